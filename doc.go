/*
Package tradelink implements trading-partner document exchange over AS2
and SFTP.

# Overview

tradelink is a B2B exchange gateway library. It moves business documents
between trading partners over the AS2 protocol (RFC 4130) and SFTP,
with persistent partner profiles, managed key material, a retrying
outbound delivery queue, and a transport audit log.

# Specifications Implemented

  - AS2 (Applicability Statement 2): https://www.rfc-editor.org/rfc/rfc4130
  - MDN (Message Disposition Notification): https://www.rfc-editor.org/rfc/rfc3798
  - CMS (Cryptographic Message Syntax): https://www.rfc-editor.org/rfc/rfc5652
  - SSH File Transfer Protocol: https://datatracker.ietf.org/doc/html/draft-ietf-secsh-filexfer-02

# Package Structure

	github.com/opsinghis/tradelink/pkg/as2         - AS2 protocol engine (send, receive, MDN)
	github.com/opsinghis/tradelink/pkg/sftpx       - pooled SFTP transport with retry
	github.com/opsinghis/tradelink/pkg/smime       - CMS sign/verify and encrypt/decrypt
	github.com/opsinghis/tradelink/pkg/compression - zlib payload compression
	github.com/opsinghis/tradelink/internal/keystore - certificate and SSH key management
	github.com/opsinghis/tradelink/internal/registry - trading partner registry
	github.com/opsinghis/tradelink/internal/queue    - outbound delivery queue
	github.com/opsinghis/tradelink/internal/translog - transport audit log
	github.com/opsinghis/tradelink/internal/storage  - store interfaces, memory and MongoDB backends

# Quick Start

To send an AS2 message:

	store := memory.NewStore()
	keys := keystore.NewService(store, store, nil)
	engine := as2.NewEngine(keys, nil)

	engine.RegisterIdentity(&as2.LocalIdentity{AS2ID: "MYCOMPANY", CertificateID: certID})
	engine.RegisterPartner(&as2.PartnerProfile{
	    PartnerID:        "acme",
	    AS2ID:            "ACME",
	    URL:              "https://as2.acme.example/receive",
	    EncryptionCertID: acmeCertID,
	    Sign:             true,
	    Encrypt:          true,
	    MDNMode:          as2.MDNSync,
	    Active:           true,
	})

	result := engine.Send(ctx, "acme", payload, "application/xml", nil)

See examples/basic for a complete wired-up exchange.
*/
package tradelink

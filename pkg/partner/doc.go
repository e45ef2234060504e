// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package partner models AS2 trading partners.

A Partner combines an identity with the policy used when exchanging
messages with it: which signature and encryption algorithms to apply, how
payloads are encoded, where messages and MDNs are sent and how, and the
certificate material used for all of it.

# Configuration

Partners are built from a typed Config. Unset fields take the default
policy; set fields are validated against their allowed values and an
invalid value fails construction instead of falling back to a default:

	p, err := partner.New(partner.Config{
	    ID:                  "ACME",
	    SendURL:             "https://as2.acme.example/receive",
	    SignatureAlgorithm:  partner.SignatureSHA256,
	    EncryptionAlgorithm: partner.EncryptionAES256,
	    PKCS12File:          "/etc/as2/acme.p12",
	    PKCS12Password:      os.Getenv("ACME_P12_PASSWORD"),
	}, partner.WithSecretStore(store))

# Key material

The S/MIME backend works on files. Private key, certificates and the
bundle itself are extracted lazily on first use, written through a
SecretStore and cached for the lifetime of the Partner.
*/
package partner

// Package dkim signs outgoing offer emails.
package dkim

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

type Config struct {
	Domain   string
	Selector string

	// relaxed or simple, relaxed if empty
	HeaderCanonicalization string
	BodyCanonicalization   string

	PEMKeyFile string
	PEMKey     string
}

type Signer struct {
	options *dkim.SignOptions
}

func New(c Config) (*Signer, error) {
	if c.Domain == "" {
		return nil, fmt.Errorf("dkim: no domain specified")
	}
	if c.Selector == "" {
		return nil, fmt.Errorf("dkim: no selector specified")
	}

	pemstr := c.PEMKey
	if pemstr == "" && c.PEMKeyFile != "" {
		b, err := os.ReadFile(c.PEMKeyFile)
		if err != nil {
			return nil, fmt.Errorf("dkim: could not read key file: %w", err)
		}
		pemstr = string(b)
	}
	if pemstr == "" {
		return nil, fmt.Errorf("dkim: a private key must be specified")
	}
	key, err := parseKey(pemstr)
	if err != nil {
		return nil, err
	}

	return &Signer{options: &dkim.SignOptions{
		Domain:                 c.Domain,
		Selector:               c.Selector,
		Signer:                 key,
		HeaderCanonicalization: canonicalization(c.HeaderCanonicalization),
		BodyCanonicalization:   canonicalization(c.BodyCanonicalization),
	}}, nil
}

func canonicalization(s string) dkim.Canonicalization {
	if s == string(dkim.CanonicalizationSimple) {
		return dkim.CanonicalizationSimple
	}
	return dkim.CanonicalizationRelaxed
}

func parseKey(pemstr string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemstr))
	if block == nil {
		return nil, fmt.Errorf("dkim: could not decode pem")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("dkim: could not parse private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("dkim: could not parse private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("dkim: unsupported key type %T", key)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("dkim: invalid pem type %s", block.Type)
}

// Sign writes the message read from in to out with a DKIM-Signature header prepended.
func (s *Signer) Sign(out io.Writer, in io.Reader) error {
	return dkim.Sign(out, in, s.options)
}

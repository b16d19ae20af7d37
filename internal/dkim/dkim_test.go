package dkim

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rsaPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

const message = "From: offers@example.com\r\n" +
	"To: client@example.org\r\n" +
	"Subject: Your offer\r\n" +
	"\r\n" +
	"Hello\r\n"

func TestSign(t *testing.T) {
	s, err := New(Config{Domain: "example.com", Selector: "offer", PEMKey: rsaPEM(t)})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, s.Sign(&out, strings.NewReader(message)))
	signed := out.String()

	assert.True(t, strings.HasPrefix(signed, "DKIM-Signature:"))
	assert.Contains(t, signed, "d=example.com")
	assert.Contains(t, signed, "s=offer")
	assert.True(t, strings.HasSuffix(signed, message))
}

func TestNew_KeyFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "dkim.pem")
	require.NoError(t, os.WriteFile(file, []byte(rsaPEM(t)), 0600))

	_, err := New(Config{Domain: "example.com", Selector: "offer", PEMKeyFile: file})
	assert.NoError(t, err)
}

func TestNew_Invalid(t *testing.T) {
	key := rsaPEM(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no domain", Config{Selector: "offer", PEMKey: key}},
		{"no selector", Config{Domain: "example.com", PEMKey: key}},
		{"no key", Config{Domain: "example.com", Selector: "offer"}},
		{"garbage key", Config{Domain: "example.com", Selector: "offer", PEMKey: "not a key"}},
		{"missing file", Config{Domain: "example.com", Selector: "offer", PEMKeyFile: "/does/not/exist.pem"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.cfg)
			assert.Error(t, err)
		})
	}
}

package certgen

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfSigned_ContainsLocalhostSAN(t *testing.T) {
	cert, err := SelfSigned()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, parsed.DNSNames, "localhost")
	require.WithinDuration(t, parsed.NotAfter, parsed.NotBefore.AddDate(1, 0, 0), 0)
}

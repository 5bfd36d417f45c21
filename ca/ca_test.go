package ca_test

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/custodia/certauth/ca"
	"github.com/custodia/certauth/internal/util"
	"github.com/custodia/certauth/keystore"
	"github.com/custodia/certauth/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func newTestManager(t *testing.T, opts ...ca.ManagerOption) (*ca.Manager, *ca.Registry, *keystore.Store) {
	t.Helper()
	repo := memory.NewRepository()
	ks, err := keystore.Initialize(repo, "test passphrase", util.KDFProfileInteractive)
	require.NoError(t, err)
	registry := ca.NewRegistry(repo, ks)
	return ca.NewManager(registry, ks, opts...), registry, ks
}

func testPolicy() ca.Policy {
	return ca.Policy{
		CommonName:    "Custodia Internal CA",
		Organization:  "Custodia",
		ValidityYears: 10,
	}
}

func hashOfPEM(t *testing.T, certPEM string) string {
	t.Helper()
	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:])
}

func TestCreateAuthority(t *testing.T) {
	mgr, registry, _ := newTestManager(t)

	authority, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)
	assert.True(t, authority.Active)
	assert.Contains(t, authority.Subject, "CN=Custodia Internal CA")

	cert, err := x509.ParseCertificate(pemBytes(t, authority.CertPEM))
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	assert.Equal(t, int64(1), cert.SerialNumber.Int64())
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCRLSign)

	_, err = mgr.CreateAuthority(testPolicy(), false)
	assert.ErrorIs(t, err, ca.ErrAuthorityExists)

	active, err := registry.ActiveAuthority()
	require.NoError(t, err)
	assert.Equal(t, authority.ID, active.ID)
}

func pemBytes(t *testing.T, pemStr string) []byte {
	t.Helper()
	block, _ := pem.Decode([]byte(pemStr))
	require.NotNil(t, block)
	return block.Bytes
}

func TestForceReplaceRetiresOldAuthority(t *testing.T) {
	mgr, registry, ks := newTestManager(t)
	verifier := ca.NewVerifier(registry)

	first, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)

	second, err := mgr.CreateAuthority(testPolicy(), true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Old authority is retired but kept; its certificates stay verifiable.
	retired, err := registry.Authority(first.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)
	assert.NotNil(t, retired.RetiredAt)

	result := verifier.Verify(issued.Certificate.Serial, issued.Certificate.ContentHash, "alice")
	assert.Equal(t, ca.OutcomeValid, result.Outcome)

	// The retired authority's serial counter was cleared along with it: a
	// fresh allocation against its ID starts over at the first leaf serial.
	serial, err := ks.NextSerial(first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), serial)
}

func TestIssueRequiresActiveAuthority(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.IssueCertificate("user-1", "alice", 365)
	assert.ErrorIs(t, err, ca.ErrAuthorityUnavailable)
}

func TestIssueCertificate(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)

	assert.Equal(t, int64(2), issued.Certificate.Serial, "serial 1 belongs to the authority")
	assert.Equal(t, "user-1", issued.Certificate.IdentityRef)
	assert.Contains(t, string(issued.KeyPEM), "EC PRIVATE KEY")
	assert.Equal(t, hashOfPEM(t, issued.CertPEM), issued.Certificate.ContentHash)

	cert, err := x509.ParseCertificate(pemBytes(t, issued.CertPEM))
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.False(t, cert.IsCA)
}

func TestConcurrentIssuanceYieldsDistinctSerials(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	const workers = 12
	serials := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			issued, err := mgr.IssueCertificate("user-1", "alice", 365)
			if assert.NoError(t, err) {
				serials <- issued.Certificate.Serial
			}
		}()
	}
	wg.Wait()
	close(serials)

	seen := make(map[int64]bool)
	for s := range serials {
		assert.False(t, seen[s], "serial %d issued twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, workers)
}

func TestVerify(t *testing.T) {
	mgr, registry, _ := newTestManager(t)
	verifier := ca.NewVerifier(registry)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)
	serial := issued.Certificate.Serial
	hash := issued.Certificate.ContentHash

	t.Run("Valid", func(t *testing.T) {
		result := verifier.Verify(serial, hash, "alice")
		assert.Equal(t, ca.OutcomeValid, result.Outcome)
		assert.Equal(t, "user-1", result.IdentityRef)
		assert.True(t, result.Valid())
	})

	t.Run("UnknownSerial", func(t *testing.T) {
		result := verifier.Verify(9999, hash, "alice")
		assert.Equal(t, ca.OutcomeUnknown, result.Outcome)
	})

	t.Run("HashMismatch", func(t *testing.T) {
		// Simulate substitution: same serial, different certificate bytes.
		tampered := append(pemBytes(t, issued.CertPEM), 0x00)
		sum := sha256.Sum256(tampered)
		result := verifier.Verify(serial, hex.EncodeToString(sum[:]), "alice")
		assert.Equal(t, ca.OutcomeHashMismatch, result.Outcome)
		assert.Empty(t, result.IdentityRef)
	})

	t.Run("IdentityMismatch", func(t *testing.T) {
		result := verifier.Verify(serial, hash, "mallory")
		assert.Equal(t, ca.OutcomeIdentityMismatch, result.Outcome)
	})
}

func TestVerifyExpired(t *testing.T) {
	mgr, registry, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 30)
	require.NoError(t, err)

	future := time.Now().AddDate(0, 0, 60)
	verifier := ca.NewVerifier(registry, ca.WithClock(func() time.Time { return future }))

	result := verifier.Verify(issued.Certificate.Serial, issued.Certificate.ContentHash, "alice")
	assert.Equal(t, ca.OutcomeExpired, result.Outcome)
}

func TestRevokeIsPermanentAndIdempotent(t *testing.T) {
	mgr, registry, _ := newTestManager(t)
	verifier := ca.NewVerifier(registry)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)
	serial := issued.Certificate.Serial

	require.NoError(t, mgr.RevokeCertificate(serial, ca.ReasonKeyCompromise))
	result := verifier.Verify(serial, issued.Certificate.ContentHash, "alice")
	assert.Equal(t, ca.OutcomeRevoked, result.Outcome)

	// Second revocation is a no-op success, and the original timestamp and
	// reason survive it.
	require.NoError(t, mgr.RevokeCertificate(serial, ca.ReasonUnspecified))
	cert, err := registry.Certificate(serial)
	require.NoError(t, err)
	assert.True(t, cert.Revoked)
	assert.Equal(t, ca.ReasonKeyCompromise, cert.RevocationReason)

	assert.ErrorIs(t, mgr.RevokeCertificate(9999, ca.ReasonUnspecified), ca.ErrUnknownCertificate)
}

func TestRenewIssuesThenRevokes(t *testing.T) {
	mgr, registry, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	old, err := mgr.IssueCertificate("user-1", "alice", 30)
	require.NoError(t, err)

	renewed, err := mgr.RenewCertificate(old.Certificate.Serial, 365)
	require.NoError(t, err)
	assert.Greater(t, renewed.Certificate.Serial, old.Certificate.Serial)
	assert.Equal(t, old.Certificate.Serial, renewed.Certificate.PreviousSerial)
	assert.Equal(t, "user-1", renewed.Certificate.IdentityRef)

	oldRecord, err := registry.Certificate(old.Certificate.Serial)
	require.NoError(t, err)
	assert.True(t, oldRecord.Revoked)
	assert.Equal(t, ca.ReasonSuperseded, oldRecord.RevocationReason)
}

func TestRenewFailureLeavesOldCertificateValid(t *testing.T) {
	mgr, registry, ks := newTestManager(t)
	authority, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	old, err := mgr.IssueCertificate("user-1", "alice", 30)
	require.NoError(t, err)

	// Break issuance by removing the signing key. Renewal must fail without
	// touching the old certificate.
	require.NoError(t, ks.DeleteKey(authority.KeyID))
	_, err = mgr.RenewCertificate(old.Certificate.Serial, 365)
	require.Error(t, err)

	oldRecord, err := registry.Certificate(old.Certificate.Serial)
	require.NoError(t, err)
	assert.False(t, oldRecord.Revoked)
}

func TestIssueForNewIdentity(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueForNewIdentity("user-1", "alice", 365)
	require.NoError(t, err)
	require.NotNil(t, issued)

	// Second invocation is a no-op while the certificate is usable.
	again, err := mgr.IssueForNewIdentity("user-1", "alice", 365)
	require.NoError(t, err)
	assert.Nil(t, again)

	// After revocation the hook issues a replacement.
	require.NoError(t, mgr.RevokeCertificate(issued.Certificate.Serial, ca.ReasonKeyCompromise))
	replacement, err := mgr.IssueForNewIdentity("user-1", "alice", 365)
	require.NoError(t, err)
	require.NotNil(t, replacement)
}

func TestExportCRL(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	authority, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeCertificate(issued.Certificate.Serial, ca.ReasonKeyCompromise))

	crlPEM, err := mgr.ExportCRL()
	require.NoError(t, err)

	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, issued.Certificate.Serial, crl.RevokedCertificateEntries[0].SerialNumber.Int64())

	caCert, err := x509.ParseCertificate(pemBytes(t, authority.CertPEM))
	require.NoError(t, err)
	assert.NoError(t, crl.CheckSignatureFrom(caCert))
}

func TestConcurrentCRLExportsYieldDistinctNumbers(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeCertificate(issued.Certificate.Serial, ca.ReasonKeyCompromise))

	const exports = 8
	numbers := make(chan int64, exports)
	var wg sync.WaitGroup
	for i := 0; i < exports; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			crlPEM, err := mgr.ExportCRL()
			if !assert.NoError(t, err) {
				return
			}
			block, _ := pem.Decode(crlPEM)
			if !assert.NotNil(t, block) {
				return
			}
			crl, err := x509.ParseRevocationList(block.Bytes)
			if assert.NoError(t, err) {
				numbers <- crl.Number.Int64()
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for n := range numbers {
		assert.False(t, seen[n], "CRL number %d issued twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, exports)
}

func TestExportAuthorityPEM(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.ExportAuthorityPEM()
	assert.ErrorIs(t, err, ca.ErrAuthorityUnavailable)

	authority, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	pemStr, err := mgr.ExportAuthorityPEM()
	require.NoError(t, err)
	assert.Equal(t, authority.CertPEM, pemStr)
}

func TestExportBundle(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	issued, err := mgr.IssueCertificate("user-1", "alice", 365)
	require.NoError(t, err)

	bundle, err := mgr.ExportBundle(issued.Certificate.Serial, "bundle password")
	require.NoError(t, err)

	_, cert, caCerts, err := pkcs12.DecodeChain(bundle, "bundle password")
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Subject.CommonName)
	require.Len(t, caCerts, 1)
	assert.True(t, caCerts[0].IsCA)

	_, err = mgr.ExportBundle(9999, "bundle password")
	assert.ErrorIs(t, err, ca.ErrUnknownCertificate)
}

func TestListCertificatesAndRenewalCandidates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAuthority(testPolicy(), false)
	require.NoError(t, err)

	short, err := mgr.IssueCertificate("user-1", "alice", 10)
	require.NoError(t, err)
	long, err := mgr.IssueCertificate("user-2", "bob", 365)
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeCertificate(long.Certificate.Serial, ca.ReasonUnspecified))

	infos, err := mgr.ListCertificates()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, ca.StatusActive, infos[0].Status)
	assert.Equal(t, ca.StatusRevoked, infos[1].Status)

	candidates, err := mgr.RenewalCandidates(30 * 24 * time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, short.Certificate.Serial, candidates[0].Serial)
}

package signature_test

import (
	"testing"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/signature"
)

func testMeta() signature.Metadata {
	return signature.Metadata{
		BundleID:       "org.dpppt.ios.demo",
		AndroidPackage: "org.dpppt.android.demo",
		KeyVersion:     "v1",
		KeyIdentifier:  "228",
		Region:         "ch",
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := signature.NewFromBase64("", testMeta())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	batch := []byte("serialized batch content")
	start := time.Date(2020, 5, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	sig, err := signer.Sign(batch, start, end)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) == 0 {
		t.Fatalf("empty signature")
	}

	if !signature.Verify(signer.Public(), batch, start, end, testMeta(), sig) {
		t.Fatalf("signature must verify against the same inputs")
	}
}

func TestVerifyFailsOnTamperedInputs(t *testing.T) {
	signer, err := signature.NewFromBase64("", testMeta())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	batch := []byte("serialized batch content")
	start := time.Date(2020, 5, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	sig, err := signer.Sign(batch, start, end)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := append([]byte(nil), batch...)
	tampered[0] ^= 0xff
	if signature.Verify(signer.Public(), tampered, start, end, testMeta(), sig) {
		t.Fatalf("tampered batch must not verify")
	}

	if signature.Verify(signer.Public(), batch, start, end.Add(2*time.Hour), testMeta(), sig) {
		t.Fatalf("shifted release window must not verify")
	}

	otherMeta := testMeta()
	otherMeta.KeyVersion = "v2"
	if signature.Verify(signer.Public(), batch, start, end, otherMeta, sig) {
		t.Fatalf("changed key version must not verify")
	}
}

func TestMetadataLengthPrefixingAvoidsCollisions(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must produce different digests.
	metaA := signature.Metadata{BundleID: "ab", AndroidPackage: "c"}
	metaB := signature.Metadata{BundleID: "a", AndroidPackage: "bc"}

	start := time.Date(2020, 5, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	digestA := signature.Digest(nil, start, end, metaA)
	digestB := signature.Digest(nil, start, end, metaB)
	if digestA == digestB {
		t.Fatalf("field concatenation must not collide")
	}
}

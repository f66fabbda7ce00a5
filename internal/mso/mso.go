// Package mso builds the StaticAuthData (IssuerNameSpaces digests plus a
// signed Mobile Security Object) handed to a wallet each time it
// certifies an AuthKey. Grounded on util.py's
// generate_static_auth_data_for_auth_key, with the digest/IssuerAuth
// shapes taken from the teacher's pkg/models/mdl_models.go and
// pkg/mdl/validator.go (read in the verifying direction there; built
// here in the issuing direction).
package mso

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/cose"
)

// ErrMalformedMSO covers any IssuerAuth payload that doesn't unwrap to the
// tag-24-wrapped MobileSecurityObject shape Build produces.
var ErrMalformedMSO = errors.New("mso: malformed MobileSecurityObject")

const (
	mdocVersion     = "1"
	digestAlgorithm = "SHA-256"
	mdlValidityDays = 365
)

// cborTag24 wraps a byte string in CBOR tag 24 ("encoded CBOR data
// item"), the envelope ISO 18013-5 uses for IssuerSignedItem and for the
// MSO itself inside IssuerAuth's payload.
func cborTag24(encoded []byte) cbor.Tag {
	return cbor.Tag{Number: 24, Content: encoded}
}

// issuerSignedItem mirrors the wire shape of an IssuerSignedItem, before
// tag-24 wrapping.
type issuerSignedItem struct {
	DigestID     uint64      `cbor:"digestID"`
	Random       []byte      `cbor:"random"`
	ElementID    string      `cbor:"elementIdentifier"`
	ElementValue interface{} `cbor:"elementValue"`
}

type deviceKeyInfo struct {
	DeviceKey cbor.RawMessage `cbor:"deviceKey"`
}

type validityInfo struct {
	Signed     cbor.Tag `cbor:"signed"`
	ValidFrom  cbor.Tag `cbor:"validFrom"`
	ValidUntil cbor.Tag `cbor:"validUntil"`
}

type mobileSecurityObject struct {
	Version         string                       `cbor:"version"`
	DigestAlgorithm string                       `cbor:"digestAlgorithm"`
	ValueDigests    map[string]map[uint64][]byte `cbor:"valueDigests"`
	DeviceKeyInfo   deviceKeyInfo                `cbor:"deviceKeyInfo"`
	DocType         string                       `cbor:"docType"`
	ValidityInfo    validityInfo                 `cbor:"validityInfo"`
}

// shuffledRange returns a cryptographically random (Fisher-Yates) permutation
// of 0..n-1, used to produce the DigestIDs for Build. Grounded on util.py's
// digest_ids = list(range(num_elems)); random.shuffle(digest_ids), rebuilt
// with crypto/rand instead of the stdlib math/rand random.shuffle uses.
func shuffledRange(n int) ([]uint64, error) {
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i)
	}
	for i := n - 1; i > 0; i-- {
		j, err := cryptoRandInt(i + 1)
		if err != nil {
			return nil, err
		}
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// cryptoRandInt returns a uniform random int in [0, n) using crypto/rand.
func cryptoRandInt(n int) (int, error) {
	bound := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Namespace is one ISO-18013-5 namespace's worth of plaintext elements,
// keyed by elementIdentifier, as decoded from a Document's NameSpaces
// blob.
type Namespace map[string]interface{}

// StaticAuthData is the per-AuthKey payload returned from the
// CertifyAuthKeys flow: digestIdMapping gives the wallet the
// IssuerSignedItem bytes for every element, with elementValue nulled in
// every one of them (the wallet re-inserts the values at presentation
// time), and IssuerAuth is the signed MSO.
type StaticAuthData struct {
	DigestIDMapping map[string][]cbor.RawMessage `cbor:"digestIdMapping"`
	IssuerAuth      []byte                       `cbor:"issuerAuth"`
}

// Build constructs and signs a StaticAuthData for authKey, covering the
// namespaces in nameSpaces, docType, and deviceKey = authKey (per the
// ISO 18013-5 requirement that deviceKeyInfo hold the AuthKey being
// certified, not the wallet's long-lived CredentialKey).
func Build(issuerKey *ecdsa.PrivateKey, issuerCert *x509.Certificate, docType string, nameSpaces map[string]Namespace, authKey *ecdsa.PublicKey) (*StaticAuthData, error) {
	valueDigests := make(map[string]map[uint64][]byte, len(nameSpaces))
	digestMapping := make(map[string][]cbor.RawMessage, len(nameSpaces))

	// Namespace and element iteration order is fixed once, up front, so the
	// same order can be walked twice: once to count the elements across the
	// whole document, once to consume the shuffled DigestIDs in step. This
	// mirrors util.py's two passes over name_spaces (the first just to sum
	// num_elems, the second to assign digest_ids[digest_id_index]).
	nsOrder := make([]string, 0, len(nameSpaces))
	elementOrder := make(map[string][]string, len(nameSpaces))
	numElems := 0
	for ns, elements := range nameSpaces {
		nsOrder = append(nsOrder, ns)
		ids := make([]string, 0, len(elements))
		for elementID := range elements {
			ids = append(ids, elementID)
		}
		elementOrder[ns] = ids
		numElems += len(elements)
	}

	// digestIDs is a random permutation of [0, numElems) so an observer
	// holding digestIdMapping can't correlate a digest's position with the
	// order its element was encoded in, the way random.shuffle(digest_ids)
	// does in the original.
	digestIDs, err := shuffledRange(numElems)
	if err != nil {
		return nil, err
	}
	digestIndex := 0

	for _, ns := range nsOrder {
		elements := nameSpaces[ns]
		digests := make(map[uint64][]byte, len(elements))
		items := make([]cbor.RawMessage, 0, len(elements))
		for _, elementID := range elementOrder[ns] {
			value := elements[elementID]
			digestID := digestIDs[digestIndex]
			digestIndex++

			random := make([]byte, 32)
			if _, err := rand.Read(random); err != nil {
				return nil, err
			}

			item := issuerSignedItem{
				DigestID:     digestID,
				Random:       random,
				ElementID:    elementID,
				ElementValue: value,
			}
			encodedItem, err := cbor.Marshal(item)
			if err != nil {
				return nil, err
			}
			taggedItem, err := cbor.Marshal(cborTag24(encodedItem))
			if err != nil {
				return nil, err
			}
			digest := sha256.Sum256(taggedItem)
			digests[digestID] = digest[:]

			// The mapping handed back to the wallet carries the same
			// IssuerSignedItem with elementValue erased; the wallet
			// re-inserts the real value at presentation time and the
			// verifier checks the digest still matches.
			maskedItem := issuerSignedItem{
				DigestID:  digestID,
				Random:    random,
				ElementID: elementID,
			}
			encodedMasked, err := cbor.Marshal(maskedItem)
			if err != nil {
				return nil, err
			}
			taggedMasked, err := cbor.Marshal(cborTag24(encodedMasked))
			if err != nil {
				return nil, err
			}
			items = append(items, cbor.RawMessage(taggedMasked))
		}
		valueDigests[ns] = digests
		digestMapping[ns] = items
	}

	deviceKeyBytes, err := cose.EncodeKey(authKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msoStruct := mobileSecurityObject{
		Version:         mdocVersion,
		DigestAlgorithm: digestAlgorithm,
		ValueDigests:    valueDigests,
		DeviceKeyInfo:   deviceKeyInfo{DeviceKey: cbor.RawMessage(deviceKeyBytes)},
		DocType:         docType,
		ValidityInfo: validityInfo{
			Signed:     cbor.Tag{Number: 0, Content: now.Format(time.RFC3339)},
			ValidFrom:  cbor.Tag{Number: 0, Content: now.Format(time.RFC3339)},
			ValidUntil: cbor.Tag{Number: 0, Content: now.AddDate(0, 0, mdlValidityDays).Format(time.RFC3339)},
		},
	}
	encodedMSO, err := cbor.Marshal(msoStruct)
	if err != nil {
		return nil, err
	}
	taggedMSO, err := cbor.Marshal(cborTag24(encodedMSO))
	if err != nil {
		return nil, err
	}

	issuerAuth, err := cose.Sign(issuerKey, taggedMSO, false, issuerCert)
	if err != nil {
		return nil, err
	}

	return &StaticAuthData{
		DigestIDMapping: digestMapping,
		IssuerAuth:      issuerAuth,
	}, nil
}

// MSO is the verifier-facing view of a MobileSecurityObject, returned by
// ParseIssuerAuth once the IssuerAuth signature has checked out.
type MSO struct {
	DigestAlgorithm string
	ValueDigests    map[string]map[uint64][]byte
	DeviceKey       []byte // COSE_Key encoding
	DocType         string
	Signed          time.Time
	ValidFrom       time.Time
	ValidUntil      time.Time
}

// ParseIssuerAuth verifies a StaticAuthData's IssuerAuth COSE_Sign1 under
// issuerPub and decodes the MSO it commits to. Grounded on the teacher's
// pkg/mdl/validator.go ValidateIssuerAuth, reading the structure this
// package's Build writes instead of a wallet-presented mdoc.
func ParseIssuerAuth(sad *StaticAuthData, issuerPub *ecdsa.PublicKey) (*MSO, error) {
	payload, err := cose.Verify(sad.IssuerAuth, issuerPub, nil)
	if err != nil {
		return nil, err
	}
	var tag cbor.Tag
	if err := cbor.Unmarshal(payload, &tag); err != nil || tag.Number != 24 {
		return nil, ErrMalformedMSO
	}
	inner, ok := tag.Content.([]byte)
	if !ok {
		return nil, ErrMalformedMSO
	}
	var raw mobileSecurityObject
	if err := cbor.Unmarshal(inner, &raw); err != nil {
		return nil, ErrMalformedMSO
	}
	signed, err := tagTimeToTime(raw.ValidityInfo.Signed)
	if err != nil {
		return nil, err
	}
	validFrom, err := tagTimeToTime(raw.ValidityInfo.ValidFrom)
	if err != nil {
		return nil, err
	}
	validUntil, err := tagTimeToTime(raw.ValidityInfo.ValidUntil)
	if err != nil {
		return nil, err
	}
	if len(raw.DeviceKeyInfo.DeviceKey) == 0 {
		return nil, ErrMalformedMSO
	}

	return &MSO{
		DigestAlgorithm: raw.DigestAlgorithm,
		ValueDigests:    raw.ValueDigests,
		DeviceKey:       []byte(raw.DeviceKeyInfo.DeviceKey),
		DocType:         raw.DocType,
		Signed:          signed,
		ValidFrom:       validFrom,
		ValidUntil:      validUntil,
	}, nil
}

func tagTimeToTime(tag cbor.Tag) (time.Time, error) {
	s, ok := tag.Content.(string)
	if !ok {
		return time.Time{}, ErrMalformedMSO
	}
	return time.Parse(time.RFC3339, s)
}

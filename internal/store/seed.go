package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/catalog"
)

// accessControlProfile mirrors the shape the reference material encodes
// for mdl_acp_cbor: a single profile requiring user authentication with
// a 1 second timeout.
type accessControlProfile struct {
	ID                         int  `cbor:"id"`
	UserAuthenticationRequired bool `cbor:"userAuthenticationRequired"`
	TimeoutMillis              int  `cbor:"timeoutMillis"`
}

type nameSpaceElement struct {
	Name                  string      `cbor:"name"`
	Value                 interface{} `cbor:"value"`
	AccessControlProfiles []int       `cbor:"accessControlProfiles"`
}

const mdlDocType = "org.iso.18013.5.1.mDL"

func encodedTestACP() ([]byte, error) {
	return cbor.Marshal([]accessControlProfile{
		{ID: 0, UserAuthenticationRequired: true, TimeoutMillis: 1000},
	})
}

func encodedTestNameSpaces(familyName, givenName string, portrait []byte, birthDate string) ([]byte, error) {
	ns := map[string][]nameSpaceElement{
		"org.iso.18013.5.1": {
			{Name: "family_name", Value: familyName, AccessControlProfiles: []int{0}},
			{Name: "given_name", Value: givenName, AccessControlProfiles: []int{0}},
			{Name: "portrait", Value: portrait, AccessControlProfiles: []int{0}},
			{Name: "birth_date", Value: cbor.Tag{Number: 6, Content: birthDate}, AccessControlProfiles: []int{0}},
		},
		"org.aamva.18013.5.1": {
			{Name: "real_id", Value: true, AccessControlProfiles: []int{0}},
		},
	}
	return cbor.Marshal(ns)
}

// SeedTestData populates the two fixture persons/documents/issued
// documents the reference material ships (Erika Mustermann and John
// Doe), with the same ids and provisioning codes, so admin tooling and
// integration tests have stable fixtures to drive the four flows
// against. portraits lets callers supply real image bytes; nil is fine
// for tests that don't inspect portrait content.
func (s *Store) SeedTestData(erikaPortrait, johnPortrait []byte) error {
	acp, err := encodedTestACP()
	if err != nil {
		return err
	}

	erikaNS, err := encodedTestNameSpaces("Mustermann", "Erika", erikaPortrait, "1971-09-01")
	if err != nil {
		return err
	}
	now := float64(time.Now().UTC().Unix())
	if _, err := s.db.Exec(`INSERT INTO persons (person_id, name, portrait) VALUES (10, 'Erika Mustermann', ?)`, erikaPortrait); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO documents (document_id, person_id, doc_type, access_control_profiles, name_spaces, data_timestamp)
VALUES (11, 10, ?, ?, ?, ?)`, mdlDocType, acp, erikaNS, now); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO issued_documents (issued_document_id, document_id, provisioning_code) VALUES (12, 11, '1001')`); err != nil {
		return err
	}

	johnNS, err := encodedTestNameSpacesNoBirthDate("Doe", "John", johnPortrait)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO persons (person_id, name, portrait) VALUES (20, 'John Doe', ?)`, johnPortrait); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO documents (document_id, person_id, doc_type, access_control_profiles, name_spaces, data_timestamp)
VALUES (21, 20, ?, ?, ?, ?)`, mdlDocType, acp, johnNS, now); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO issued_documents (issued_document_id, document_id, provisioning_code) VALUES (22, 21, '2001')`); err != nil {
		return err
	}
	return nil
}

// encodedTestNameSpacesNoBirthDate is John Doe's fixture, which the
// reference material omits a birth_date element for.
func encodedTestNameSpacesNoBirthDate(familyName, givenName string, portrait []byte) ([]byte, error) {
	ns := map[string][]nameSpaceElement{
		"org.iso.18013.5.1": {
			{Name: "family_name", Value: familyName, AccessControlProfiles: []int{0}},
			{Name: "given_name", Value: givenName, AccessControlProfiles: []int{0}},
			{Name: "portrait", Value: portrait, AccessControlProfiles: []int{0}},
		},
		"org.aamva.18013.5.1": {
			{Name: "real_id", Value: true, AccessControlProfiles: []int{0}},
		},
	}
	return cbor.Marshal(ns)
}

// BumpDocumentForTest simulates an admin editing a document's data, the
// way update_document_test_data does: mutate name_spaces and advance
// data_timestamp so a configured wallet's next UpdateCredential flow
// sees new content to fetch.
func (s *Store) BumpDocumentForTest(documentID uint64, nameSpaces []byte) error {
	return s.UpdateDocument(documentID, nameSpaces, float64(time.Now().UTC().UnixNano())/1e9)
}

// MarkConfiguredDocumentToDelete flags a configured document so its next
// UpdateCredential flow routes to deletion instead of an update, the way
// set_configured_document_to_delete does.
func (s *Store) MarkConfiguredDocumentToDelete(configuredDocumentID uint64) error {
	return s.UpdateConfiguredDocumentStatus(configuredDocumentID, catalog.StatusToDelete)
}

package store

import (
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"time"

	"github.com/utopia-mdl/issuing-server/internal/catalog"
	"github.com/utopia-mdl/issuing-server/internal/cose"
)

// ErrNotFound is returned by every lookup method when no row matches,
// standing in for database.py's DatabaseError("No ... for given ...").
var ErrNotFound = errors.New("store: not found")

// Store and Tx both embed these methods via q(); see schema.go.

func (s *Store) LookupPersons() ([]catalog.Person, error) { return lookupPersons(s.q()) }
func (t *Tx) LookupPersons() ([]catalog.Person, error)    { return lookupPersons(t.q()) }

func lookupPersons(q querier) ([]catalog.Person, error) {
	rows, err := q.Query(`SELECT person_id, name, portrait FROM persons`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Person
	for rows.Next() {
		var p catalog.Person
		if err := rows.Scan(&p.PersonID, &p.Name, &p.Portrait); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LookupPerson(personID uint64) (*catalog.Person, error) {
	return lookupPerson(s.q(), personID)
}
func (t *Tx) LookupPerson(personID uint64) (*catalog.Person, error) {
	return lookupPerson(t.q(), personID)
}

func lookupPerson(q querier, personID uint64) (*catalog.Person, error) {
	row := q.QueryRow(`SELECT person_id, name, portrait FROM persons WHERE person_id = ? LIMIT 1`, personID)
	var p catalog.Person
	if err := row.Scan(&p.PersonID, &p.Name, &p.Portrait); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) DocumentIDsByPerson(personID uint64) ([]uint64, error) {
	return documentIDsByPerson(s.q(), personID)
}
func (t *Tx) DocumentIDsByPerson(personID uint64) ([]uint64, error) {
	return documentIDsByPerson(t.q(), personID)
}

func documentIDsByPerson(q querier, personID uint64) ([]uint64, error) {
	rows, err := q.Query(`SELECT document_id FROM documents WHERE person_id = ?`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) IssuedDocumentIDsByDocument(documentID uint64) ([]uint64, error) {
	return issuedDocumentIDsByDocument(s.q(), documentID)
}
func (t *Tx) IssuedDocumentIDsByDocument(documentID uint64) ([]uint64, error) {
	return issuedDocumentIDsByDocument(t.q(), documentID)
}

func issuedDocumentIDsByDocument(q querier, documentID uint64) ([]uint64, error) {
	rows, err := q.Query(`SELECT issued_document_id FROM issued_documents WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) LookupDocument(documentID uint64) (*catalog.Document, error) {
	return lookupDocument(s.q(), documentID)
}
func (t *Tx) LookupDocument(documentID uint64) (*catalog.Document, error) {
	return lookupDocument(t.q(), documentID)
}

func lookupDocument(q querier, documentID uint64) (*catalog.Document, error) {
	row := q.QueryRow(`SELECT document_id, person_id, doc_type, access_control_profiles, name_spaces, data_timestamp
FROM documents WHERE document_id = ? LIMIT 1`, documentID)
	var d catalog.Document
	if err := row.Scan(&d.DocumentID, &d.PersonID, &d.DocType, &d.AccessControlProfiles, &d.NameSpaces, &d.DataTimestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) LookupIssuedDocumentByProvisioningCode(code string) (*catalog.IssuedDocument, error) {
	return lookupIssuedDocumentByProvisioningCode(s.q(), code)
}
func (t *Tx) LookupIssuedDocumentByProvisioningCode(code string) (*catalog.IssuedDocument, error) {
	return lookupIssuedDocumentByProvisioningCode(t.q(), code)
}

func lookupIssuedDocumentByProvisioningCode(q querier, code string) (*catalog.IssuedDocument, error) {
	row := q.QueryRow(`SELECT issued_document_id, document_id, provisioning_code, consumed_at
FROM issued_documents WHERE provisioning_code = ? LIMIT 1`, code)
	return scanIssuedDocument(row)
}

func (s *Store) LookupIssuedDocument(issuedDocumentID uint64) (*catalog.IssuedDocument, error) {
	return lookupIssuedDocument(s.q(), issuedDocumentID)
}
func (t *Tx) LookupIssuedDocument(issuedDocumentID uint64) (*catalog.IssuedDocument, error) {
	return lookupIssuedDocument(t.q(), issuedDocumentID)
}

func lookupIssuedDocument(q querier, issuedDocumentID uint64) (*catalog.IssuedDocument, error) {
	row := q.QueryRow(`SELECT issued_document_id, document_id, provisioning_code, consumed_at
FROM issued_documents WHERE issued_document_id = ? LIMIT 1`, issuedDocumentID)
	return scanIssuedDocument(row)
}

func scanIssuedDocument(row *sql.Row) (*catalog.IssuedDocument, error) {
	var d catalog.IssuedDocument
	var consumedAt sql.NullString
	if err := row.Scan(&d.IssuedDocumentID, &d.DocumentID, &d.ProvisioningCode, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if consumedAt.Valid {
		t, err := time.Parse(time.RFC3339, consumedAt.String)
		if err != nil {
			return nil, err
		}
		d.ConsumedAt = &t
	}
	return &d, nil
}

// MarkIssuedDocumentConsumed sets consumed_at, enforcing the single-use
// provisioning code rule added in this server: a code already consumed
// cannot start a second provisioning flow.
func (s *Store) MarkIssuedDocumentConsumed(issuedDocumentID uint64, at time.Time) error {
	return markIssuedDocumentConsumed(s.q(), issuedDocumentID, at)
}
func (t *Tx) MarkIssuedDocumentConsumed(issuedDocumentID uint64, at time.Time) error {
	return markIssuedDocumentConsumed(t.q(), issuedDocumentID, at)
}

func markIssuedDocumentConsumed(q querier, issuedDocumentID uint64, at time.Time) error {
	_, err := q.Exec(`UPDATE issued_documents SET consumed_at = ? WHERE issued_document_id = ?`,
		at.UTC().Format(time.RFC3339), issuedDocumentID)
	return err
}

// LookupConfiguredDocumentByEncodedKey looks up a configured_documents
// row by the COSE_Key encoding of a wallet's CredentialKey, exactly the
// index database.py derives in lookup_configured_document_by_credential_key.
func (s *Store) LookupConfiguredDocumentByEncodedKey(encodedCOSEKey []byte) (*catalog.ConfiguredDocument, error) {
	return lookupConfiguredDocumentByEncodedKey(s.q(), encodedCOSEKey)
}
func (t *Tx) LookupConfiguredDocumentByEncodedKey(encodedCOSEKey []byte) (*catalog.ConfiguredDocument, error) {
	return lookupConfiguredDocumentByEncodedKey(t.q(), encodedCOSEKey)
}

func lookupConfiguredDocumentByEncodedKey(q querier, encodedCOSEKey []byte) (*catalog.ConfiguredDocument, error) {
	row := q.QueryRow(`SELECT configured_document_id, issued_document_id, credential_key_x509_cert_chain,
       proof_of_provisioning, last_updated_timestamp, data_timestamp, status
FROM configured_documents WHERE encoded_cose_credential_key = ? LIMIT 1`, encodedCOSEKey)
	var c catalog.ConfiguredDocument
	var status sql.NullString
	if err := row.Scan(&c.ConfiguredDocumentID, &c.IssuedDocumentID, &c.CredentialKeyX5Chain,
		&c.ProofOfProvisioning, &c.LastUpdatedTimestamp, &c.DataTimestamp, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = status.String
	return &c, nil
}

func (s *Store) ConfiguredDocumentIDsByIssuedDocument(issuedDocumentID uint64) ([]uint64, error) {
	return configuredDocumentIDsByIssuedDocument(s.q(), issuedDocumentID)
}
func (t *Tx) ConfiguredDocumentIDsByIssuedDocument(issuedDocumentID uint64) ([]uint64, error) {
	return configuredDocumentIDsByIssuedDocument(t.q(), issuedDocumentID)
}

func configuredDocumentIDsByIssuedDocument(q querier, issuedDocumentID uint64) ([]uint64, error) {
	rows, err := q.Query(`SELECT configured_document_id FROM configured_documents WHERE issued_document_id = ?`, issuedDocumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddConfiguredDocument inserts a new configured_documents row. pub is
// the wallet's CredentialKey; its COSE_Key encoding becomes the lookup
// index, derived server-side so callers can never forge it.
func (s *Store) AddConfiguredDocument(issuedDocumentID uint64, certChain []byte, pub *ecdsa.PublicKey, proofOfProvisioning []byte, lastUpdated, dataTimestamp float64) (uint64, error) {
	return addConfiguredDocument(s.q(), issuedDocumentID, certChain, pub, proofOfProvisioning, lastUpdated, dataTimestamp)
}
func (t *Tx) AddConfiguredDocument(issuedDocumentID uint64, certChain []byte, pub *ecdsa.PublicKey, proofOfProvisioning []byte, lastUpdated, dataTimestamp float64) (uint64, error) {
	return addConfiguredDocument(t.q(), issuedDocumentID, certChain, pub, proofOfProvisioning, lastUpdated, dataTimestamp)
}

func addConfiguredDocument(q querier, issuedDocumentID uint64, certChain []byte, pub *ecdsa.PublicKey, proofOfProvisioning []byte, lastUpdated, dataTimestamp float64) (uint64, error) {
	encodedKey, err := cose.EncodeKey(pub)
	if err != nil {
		return 0, err
	}
	res, err := q.Exec(`INSERT INTO configured_documents
(configured_document_id, issued_document_id, credential_key_x509_cert_chain, encoded_cose_credential_key,
 proof_of_provisioning, last_updated_timestamp, data_timestamp)
VALUES (NULL, ?, ?, ?, ?, ?, ?)`,
		issuedDocumentID, certChain, encodedKey, proofOfProvisioning, lastUpdated, dataTimestamp)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *Store) UpdateConfiguredDocument(configuredDocumentID uint64, proofOfProvisioning []byte, lastUpdated, dataTimestamp float64) error {
	return updateConfiguredDocument(s.q(), configuredDocumentID, proofOfProvisioning, lastUpdated, dataTimestamp)
}
func (t *Tx) UpdateConfiguredDocument(configuredDocumentID uint64, proofOfProvisioning []byte, lastUpdated, dataTimestamp float64) error {
	return updateConfiguredDocument(t.q(), configuredDocumentID, proofOfProvisioning, lastUpdated, dataTimestamp)
}

func updateConfiguredDocument(q querier, configuredDocumentID uint64, proofOfProvisioning []byte, lastUpdated, dataTimestamp float64) error {
	_, err := q.Exec(`UPDATE configured_documents
SET proof_of_provisioning = ?, last_updated_timestamp = ?, data_timestamp = ?
WHERE configured_document_id = ?`, proofOfProvisioning, lastUpdated, dataTimestamp, configuredDocumentID)
	return err
}

func (s *Store) UpdateConfiguredDocumentStatus(configuredDocumentID uint64, status string) error {
	return updateConfiguredDocumentStatus(s.q(), configuredDocumentID, status)
}
func (t *Tx) UpdateConfiguredDocumentStatus(configuredDocumentID uint64, status string) error {
	return updateConfiguredDocumentStatus(t.q(), configuredDocumentID, status)
}

func updateConfiguredDocumentStatus(q querier, configuredDocumentID uint64, status string) error {
	_, err := q.Exec(`UPDATE configured_documents SET status = ? WHERE configured_document_id = ?`, status, configuredDocumentID)
	return err
}

func (s *Store) UpdateDocument(documentID uint64, nameSpaces []byte, dataTimestamp float64) error {
	return updateDocument(s.q(), documentID, nameSpaces, dataTimestamp)
}
func (t *Tx) UpdateDocument(documentID uint64, nameSpaces []byte, dataTimestamp float64) error {
	return updateDocument(t.q(), documentID, nameSpaces, dataTimestamp)
}

func updateDocument(q querier, documentID uint64, nameSpaces []byte, dataTimestamp float64) error {
	_, err := q.Exec(`UPDATE documents SET name_spaces = ?, data_timestamp = ? WHERE document_id = ?`,
		nameSpaces, dataTimestamp, documentID)
	return err
}

func (s *Store) DeleteConfiguredDocument(configuredDocumentID uint64) error {
	return deleteConfiguredDocument(s.q(), configuredDocumentID)
}
func (t *Tx) DeleteConfiguredDocument(configuredDocumentID uint64) error {
	return deleteConfiguredDocument(t.q(), configuredDocumentID)
}

func deleteConfiguredDocument(q querier, configuredDocumentID uint64) error {
	_, err := q.Exec(`DELETE FROM configured_documents WHERE configured_document_id = ?`, configuredDocumentID)
	return err
}

// AddEndorsedAuthenticationKey records one certified AuthKey for a
// configured document, restoring the endorsed_authentication_keys table
// that the distilled spec leaves unwritten (see original_source).
func (s *Store) AddEndorsedAuthenticationKey(e catalog.EndorsedAuthenticationKey) (uint64, error) {
	return addEndorsedAuthenticationKey(s.q(), e)
}
func (t *Tx) AddEndorsedAuthenticationKey(e catalog.EndorsedAuthenticationKey) (uint64, error) {
	return addEndorsedAuthenticationKey(t.q(), e)
}

func addEndorsedAuthenticationKey(q querier, e catalog.EndorsedAuthenticationKey) (uint64, error) {
	res, err := q.Exec(`INSERT INTO endorsed_authentication_keys
(endorsed_authentication_key_id, configured_document_id, authentication_key_x509_cert, static_auth_data,
 generated_at_timestamp, expires_at_timestamp)
VALUES (NULL, ?, ?, ?, ?, ?)`,
		e.ConfiguredDocumentID, e.AuthenticationKeyX509Cert, e.StaticAuthData, e.GeneratedAtTimestamp, e.ExpiresAtTimestamp)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

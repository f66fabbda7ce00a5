package issuance

import (
	"bytes"
	"crypto/x509"
)

// parseChain parses a wallet-supplied certificate chain (leaf first, DER
// encoded) into x509 certificates.
func parseChain(der [][]byte) ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(der))
	for _, b := range der {
		cert, err := x509.ParseCertificate(b)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// joinDER concatenates a DER certificate chain into the single blob the
// store persists in credential_key_x509_cert_chain.
func joinDER(der [][]byte) []byte {
	var buf bytes.Buffer
	for _, b := range der {
		buf.Write(b)
	}
	return buf.Bytes()
}

// splitDER parses a concatenated DER blob back into individual
// certificates, the inverse of joinDER, used when the store returns a
// persisted credential_key_x509_cert_chain and the flow needs the leaf
// public key again.
func splitDER(blob []byte) ([]*x509.Certificate, error) {
	return x509.ParseCertificates(blob)
}

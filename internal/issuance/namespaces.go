package issuance

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/mso"
)

// documentElement mirrors the per-element shape documents.name_spaces
// stores: a flat list per namespace, each with an accessControlProfiles
// reference the catalog carries but the MSO builder doesn't need.
type documentElement struct {
	Name                  string      `cbor:"name"`
	Value                 interface{} `cbor:"value"`
	AccessControlProfiles []int       `cbor:"accessControlProfiles"`
}

// decodeDocumentNamespaces converts a Document's stored name_spaces blob
// into the elementIdentifier-keyed shape mso.Build expects.
func decodeDocumentNamespaces(encoded []byte) (map[string]mso.Namespace, error) {
	var raw map[string][]documentElement
	if err := cbor.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]mso.Namespace, len(raw))
	for ns, elements := range raw {
		m := make(mso.Namespace, len(elements))
		for _, el := range elements {
			m[el.Name] = el.Value
		}
		out[ns] = m
	}
	return out, nil
}

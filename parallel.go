package webvh

import "fmt"

// ToParallelDocument projects a did:webvh document onto its did:web
// mirror. Every did:webvh:<scid>: prefix becomes did:web: and alsoKnownAs
// points back at the did:webvh id. It is meant for the chained form only.
func ToParallelDocument(doc Document) (Document, error) {
	id := doc.ID.String()

	scid, ok := doc.ID.Segment(2)
	if !ok {
		return Document{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, id)
	}

	out, err := replaceInTree(doc, didWebVHPrefix+scid+":", didWebPrefix)
	if err != nil {
		return Document{}, err
	}

	out.AlsoKnownAs = []string{id}

	return out, nil
}

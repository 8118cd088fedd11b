package ap2

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SigningBytes returns the canonical form of a mandate with the proof_value
// cleared. Signatures are produced and verified over exactly these bytes.
func SigningBytes(mandate any) ([]byte, error) {
	raw, err := json.Marshal(mandate)
	if err != nil {
		return nil, fmt.Errorf("ap2: marshal mandate: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ap2: reparse mandate: %w", err)
	}
	if proof, ok := doc["proof"].(map[string]any); ok {
		proof["proof_value"] = ""
	}

	cleared, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ap2: remarshal mandate: %w", err)
	}
	canon, err := jcs.Transform(cleared)
	if err != nil {
		return nil, fmt.Errorf("ap2: canonicalize mandate: %w", err)
	}
	return canon, nil
}

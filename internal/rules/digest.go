// internal/rules/digest.go
package rules

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/solatis/l7plane/internal/types"
	"github.com/zeebo/blake3"
)

/*
 * Plan digest.
 *
 * The digest identifies what the data plane holds for a listener: the
 * listener id plus every dispatchable step (entity ref with revision,
 * bound condition ref, predicate, action) in plan order. Retractions,
 * unbound conditions and inactive steps are control-plane bookkeeping and
 * do not change what is applied, so they are not hashed. Statuses are not
 * hashed either; otherwise resolving a step would invalidate the digest
 * that resolved it.
 *
 * Encoding is CBOR Core Deterministic (RFC 8949 §4.2) so the same plan
 * always yields the same bytes. The hash is BLAKE3 keyed with a fixed
 * domain key.
 */

// digestVersion changes whenever the hashed layout changes.
const digestVersion = 1

var digestKey = [32]byte{
	'l', '7', 'p', 'l', 'a', 'n', 'e', '.', 'p', 'l', 'a', 'n', '.',
	'd', 'i', 'g', 'e', 's', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var digestEncMode cbor.EncMode

func init() {
	var err error
	digestEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rules: CBOR encoder initialization failed: " + err.Error())
	}
}

type digestStep struct {
	Ref       types.EntityRef  `cbor:"1,keyasint"`
	Condition *types.EntityRef `cbor:"2,keyasint,omitempty"`
	Predicate Predicate        `cbor:"3,keyasint"`
	Action    Action           `cbor:"4,keyasint"`
}

type digestBody struct {
	Version    int              `cbor:"1,keyasint"`
	ListenerID types.ListenerID `cbor:"2,keyasint"`
	Steps      []digestStep     `cbor:"3,keyasint"`
}

// Encode returns the canonical CBOR encoding of the plan's applied content.
func Encode(plan *Plan) ([]byte, error) {
	body := digestBody{
		Version:    digestVersion,
		ListenerID: plan.ListenerID,
		Steps:      []digestStep{},
	}
	for _, s := range plan.Steps {
		if !s.Dispatchable() {
			continue
		}
		ds := digestStep{Ref: s.Ref, Predicate: s.Predicate, Action: s.Action}
		if s.Condition != nil {
			ref := s.Condition.Ref
			ds.Condition = &ref
		}
		body.Steps = append(body.Steps, ds)
	}
	return digestEncMode.Marshal(body)
}

// Digest returns the hex BLAKE3-256 digest of Encode(plan).
func Digest(plan *Plan) string {
	data, err := Encode(plan)
	if err != nil {
		// Only plain structs of strings, ints and bools are encoded.
		panic("rules: plan encoding failed: " + err.Error())
	}
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("rules: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

package substrate

import (
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/xxhash"
)

// runtimeLayout resolves storage keys and constants for the connected
// runtime.
type runtimeLayout interface {
	// key is the full storage key of a plain value or map entry.
	key(pallet, item string, args ...[]byte) ([]byte, error)
	// prefix is the key prefix shared by every entry of a double map whose
	// first key is first.
	prefix(pallet, item string, first []byte) ([]byte, error)
	constant(pallet, name string) ([]byte, error)
}

// metadataLayout derives keys from the runtime metadata, so hasher changes
// in a runtime upgrade are picked up without code changes.
type metadataLayout struct {
	meta *types.Metadata
}

func (l metadataLayout) key(pallet, item string, args ...[]byte) ([]byte, error) {
	k, err := types.CreateStorageKey(l.meta, pallet, item, args...)
	if err != nil {
		return nil, fmt.Errorf("substrate: storage key %s.%s: %w", pallet, item, err)
	}
	return k, nil
}

func (l metadataLayout) prefix(pallet, item string, first []byte) ([]byte, error) {
	entry, err := l.meta.FindStorageEntryMetadata(pallet, item)
	if err != nil {
		return nil, fmt.Errorf("substrate: storage entry %s.%s: %w", pallet, item, err)
	}
	hashers, err := entry.Hashers()
	if err != nil {
		return nil, fmt.Errorf("substrate: hashers of %s.%s: %w", pallet, item, err)
	}
	if len(hashers) < 2 {
		return nil, fmt.Errorf("substrate: %s.%s is not a double map", pallet, item)
	}

	h := hashers[0]
	if _, err := h.Write(first); err != nil {
		return nil, err
	}
	out := xxhash.New128([]byte(pallet)).Sum(nil)
	out = append(out, xxhash.New128([]byte(item)).Sum(nil)...)
	return append(out, h.Sum(nil)...), nil
}

func (l metadataLayout) constant(pallet, name string) ([]byte, error) {
	v, err := l.meta.FindConstantValue(pallet, name)
	if err != nil {
		return nil, fmt.Errorf("substrate: constant %s.%s: %w", pallet, name, err)
	}
	return v, nil
}

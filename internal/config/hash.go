package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint hashes the JSON encoding of v. Zero means "no value".
func fingerprint(v any) uint64 {
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(v); err != nil {
		return 0
	}
	return h.Sum64()
}

// canonicalRules decodes and re-encodes raw so whitespace and key order
// stop mattering. Invalid JSON is returned as is.
func canonicalRules(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// hashConfig identifies a parsed config for reload dedup. Reformatting the
// rules block alone does not change it.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	c := *cfg
	c.Autoplan.Rules = canonicalRules(c.Autoplan.Rules)
	return fingerprint(&c)
}

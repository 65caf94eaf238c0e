// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package miner

import (
	"encoding/json"
	"fmt"
	"os"
)

// benchmarkSample is one entry in the optional JSON array cache file
// spec.md §6 calls out: a timestamped hash-rate sample a caller can
// plot across repeated benchmark runs.
type benchmarkSample struct {
	Nonces    uint64  `json:"nonces"`
	ElapsedMS int64   `json:"elapsed_ms"`
	HashRate  float64 `json:"hash_rate"`
}

// appendBenchmarkSample reads path's existing JSON array of samples
// (treating a missing file as empty), appends br, and rewrites it
// whole — the file is small enough that read-modify-write beats
// tracking an append-safe format.
func appendBenchmarkSample(path string, br *BenchmarkResult) error {
	var samples []benchmarkSample

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &samples); err != nil {
			return fmt.Errorf("miner: parsing existing benchmark cache: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("miner: reading benchmark cache: %w", err)
	}

	samples = append(samples, benchmarkSample{
		Nonces:    br.Nonces,
		ElapsedMS: br.Elapsed.Milliseconds(),
		HashRate:  br.HashRate,
	})

	out, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return fmt.Errorf("miner: encoding benchmark cache: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("miner: writing benchmark cache: %w", err)
	}
	return nil
}

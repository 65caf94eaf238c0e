// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package accelerator abstracts the one genuinely hot loop in the
// engine — scanning a nonce range against a target — behind an
// interface a worker never has to special-case. The built-in
// CPUScanner does the work in-process; ExternalScanner hands the same
// chunk to an external subprocess (an FPGA/ASIC shim, a GPU kernel
// launcher, anything that speaks the line protocol below) over
// stdin/stdout.
package accelerator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/toole-brendan/btcminer/blockheader"
	"github.com/toole-brendan/btcminer/hashutil"
	"github.com/toole-brendan/btcminer/minertypes"
)

// Result is the outcome of scanning one nonce range.
type Result struct {
	Found    bool
	Nonce    uint32
	Hash     [hashutil.Size]byte // only meaningful when Found
	Attempts uint64
}

// Scanner hashes the half-open nonce range of an 80-byte header
// against target, stopping early (with ctx.Err()) if ctx is
// cancelled. header's nonce field (bytes 76:80) is overwritten on
// every attempt; its incoming value is ignored.
type Scanner interface {
	Scan(ctx context.Context, header [80]byte, nonceRange minertypes.Range, target *big.Int) (Result, error)
}

// CPUScanner hashes in-process. It allocates nothing per attempt: the
// header buffer and digest are stack values, and the nonce field is
// mutated in place.
type CPUScanner struct{}

func (CPUScanner) Scan(ctx context.Context, header [80]byte, nonceRange minertypes.Range, target *big.Int) (Result, error) {
	var attempts uint64

	targetBytes := blockheader.TargetBytes(target)
	var reversed [hashutil.Size]byte

	for n := nonceRange.Start; n < nonceRange.End; n++ {
		if attempts&0x3ff == 0 {
			select {
			case <-ctx.Done():
				return Result{Attempts: attempts}, ctx.Err()
			default:
			}
		}

		nonce := uint32(n)
		binary.LittleEndian.PutUint32(header[76:80], nonce)

		digest := hashutil.DoubleSha256(header[:])
		attempts++

		hashutil.ReverseInto(reversed[:], digest[:])
		if bytes.Compare(reversed[:], targetBytes[:]) < 0 {
			return Result{Found: true, Nonce: nonce, Hash: reversed, Attempts: attempts}, nil
		}
	}

	return Result{Attempts: attempts}, nil
}

// TimeoutError is returned when an external scanner does not answer
// within its configured timeout. The chunk it was given is presumed
// unscanned.
type TimeoutError struct{ Timeout time.Duration }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("accelerator: external scanner timed out after %s", e.Timeout)
}

// ExitError wraps a non-zero exit (or launch failure) from the
// external scanner subprocess.
type ExitError struct{ Err error }

func (e *ExitError) Error() string { return fmt.Sprintf("accelerator: external scanner: %v", e.Err) }
func (e *ExitError) Unwrap() error { return e.Err }

// ProtocolError is returned when the subprocess writes something that
// does not parse as FOUND/EXHAUSTED/ERROR.
type ProtocolError struct{ Line string }

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("accelerator: unparseable response line: %q", e.Line)
}

// ExternalScanner hands a chunk to a subprocess over a one-line
// request/response protocol:
//
//	request:  "<header-hex-160-chars> <start> <end> <target-hex>\n"
//	response: "FOUND <nonce> <hash-hex>\n"
//	       or "EXHAUSTED <attempts>\n"
//	       or "ERROR <message>\n"
//
// A fresh subprocess is launched per chunk; Path/Args should name a
// program that reads exactly one request line, answers with exactly
// one response line, and exits.
type ExternalScanner struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

func (s ExternalScanner) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 5 * time.Second
	}
	return s.Timeout
}

func (s ExternalScanner) Scan(ctx context.Context, header [80]byte, nonceRange minertypes.Range, target *big.Int) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Path, s.Args...)

	request := fmt.Sprintf("%s %d %d %s\n", hex.EncodeToString(header[:]), nonceRange.Start, nonceRange.End, target.Text(16))
	cmd.Stdin = strings.NewReader(request)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		log.Warnf("external scanner %s timed out after %s", s.Path, s.timeout())
		return Result{}, &TimeoutError{Timeout: s.timeout()}
	}
	if err != nil {
		log.Errorf("external scanner %s exited with error: %v", s.Path, err)
		return Result{}, &ExitError{Err: err}
	}

	return parseResponse(strings.TrimSpace(firstLine(stdout.String())))
}

func firstLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	if scanner.Scan() {
		return scanner.Text()
	}
	return s
}

func parseResponse(line string) (Result, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Result{}, &ProtocolError{Line: line}
	}

	switch fields[0] {
	case "FOUND":
		if len(fields) != 3 {
			return Result{}, &ProtocolError{Line: line}
		}
		nonce, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return Result{}, &ProtocolError{Line: line}
		}
		hashBytes, err := hex.DecodeString(fields[2])
		if err != nil || len(hashBytes) != hashutil.Size {
			return Result{}, &ProtocolError{Line: line}
		}
		var h [hashutil.Size]byte
		copy(h[:], hashBytes)
		return Result{Found: true, Nonce: uint32(nonce), Hash: h, Attempts: 1}, nil

	case "EXHAUSTED":
		if len(fields) != 2 {
			return Result{}, &ProtocolError{Line: line}
		}
		attempts, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Result{}, &ProtocolError{Line: line}
		}
		return Result{Attempts: attempts}, nil

	case "ERROR":
		return Result{}, errors.New("accelerator: " + strings.TrimSpace(strings.TrimPrefix(line, "ERROR")))

	default:
		return Result{}, &ProtocolError{Line: line}
	}
}

// FallbackScanner tries Primary first and, on TimeoutError, ExitError
// or ProtocolError, retries the same chunk on Fallback — so a flaky
// accelerator degrades to CPU mining instead of stalling a worker.
type FallbackScanner struct {
	Primary    Scanner
	Fallback   Scanner
	OnFallback func(error)
}

func (s FallbackScanner) Scan(ctx context.Context, header [80]byte, nonceRange minertypes.Range, target *big.Int) (Result, error) {
	result, err := s.Primary.Scan(ctx, header, nonceRange, target)
	if err == nil {
		return result, nil
	}

	var timeoutErr *TimeoutError
	var exitErr *ExitError
	var protoErr *ProtocolError
	if !errors.As(err, &timeoutErr) && !errors.As(err, &exitErr) && !errors.As(err, &protoErr) {
		return result, err
	}

	log.Warnf("primary scanner failed (%v), falling back to CPU", err)
	if s.OnFallback != nil {
		s.OnFallback(err)
	}
	return s.Fallback.Scan(ctx, header, nonceRange, target)
}

// Package utxoingest streams a read-only UTXO snapshot dump from an
// HTTP/IPFS gateway and decodes it into entries. It is glue around the
// core peer session, not a UTXO-set maintainer: it never validates,
// spends, or indexes anything it reads.
package utxoingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/keato/cirrus-peer/internal/metrics"
)

// recordMinSize is the fixed-size prefix of every record: 32-byte txid,
// 4-byte vout, 4-byte height+flags, 8-byte amount, 4-byte script length.
const recordMinSize = 32 + 4 + 4 + 8 + 4

const readChunkSize = 0x10000

// UTXOEntry is one decoded record from the snapshot dump.
type UTXOEntry struct {
	Outpoint    wire.OutPoint
	Amount      uint64
	Script      []byte
	BlockHeight int32
	Flags       uint8
}

// StreamUTXOs fetches url with retry-on-rate-limit, then decodes its body
// as a stream of fixed-prefix, variable-trailer UTXO records, sending each
// completed entry to out. It returns when the body is exhausted, ctx is
// cancelled, or a request ultimately fails after retries.
func StreamUTXOs(ctx context.Context, url string, out chan<- UTXOEntry) error {
	resp, err := getWithRetry(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeStream(ctx, resp.Body, out)
}

// getWithRetry mirrors the teacher's bitnodes fetch: retry with backoff on
// HTTP 429, fail on anything else unexpected.
func getWithRetry(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	const maxAttempts = 3
	var resp *http.Response
	for attempt := 0; attempt < maxAttempts; attempt++ {
		metrics.UTXOFetchAttempts.Inc()
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			metrics.UTXOFetchFailures.Inc()
			return nil, fmt.Errorf("utxoingest: GET %s: %w", url, err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			backoff := time.Duration(5*(attempt+1)) * time.Second
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		metrics.UTXOFetchFailures.Inc()
		return nil, fmt.Errorf("utxoingest: unexpected status %d from %s", resp.StatusCode, url)
	}
	metrics.UTXOFetchFailures.Inc()
	return nil, fmt.Errorf("utxoingest: failed after %d attempts, last status %d", maxAttempts, resp.StatusCode)
}

// decodeStream incrementally parses body into entries, growing a tail
// buffer across reads exactly as the peer session reassembles frames.
func decodeStream(ctx context.Context, body io.Reader, out chan<- UTXOEntry) error {
	buf := make([]byte, readChunkSize)
	var tail []byte

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)

			i := 0
			for {
				entry, size, ok := decodeRecord(tail[i:])
				if !ok {
					break
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return ctx.Err()
				}
				metrics.UTXOEntriesIngested.Inc()
				i += size
			}
			if i == len(tail) {
				tail = tail[:0]
			} else {
				tail = append([]byte(nil), tail[i:]...)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("utxoingest: read body: %w", readErr)
		}
	}
}

// decodeRecord decodes one record from the front of buf, reporting its
// total byte size. ok is false if buf does not yet hold a complete record.
func decodeRecord(buf []byte) (entry UTXOEntry, size int, ok bool) {
	if len(buf) < recordMinSize {
		return UTXOEntry{}, 0, false
	}

	var txid chainhash.Hash
	copy(txid[:], buf[0:32])
	vout := le32(buf[32:36])
	heightFlagged := int32(le32(buf[36:40]))
	flags := uint8((heightFlagged & 0x01000000) >> 24)
	blockHeight := heightFlagged & 0x00ffffff
	amount := le64(buf[40:48])
	scriptLen := int(le32(buf[48:52]))

	total := recordMinSize + scriptLen
	if len(buf) < total {
		return UTXOEntry{}, 0, false
	}

	script := make([]byte, scriptLen)
	copy(script, buf[recordMinSize:total])

	return UTXOEntry{
		Outpoint:    wire.OutPoint{Hash: txid, Index: vout},
		Amount:      amount,
		Script:      script,
		BlockHeight: blockHeight,
		Flags:       flags,
	}, total, true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

package utxoingest

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func buildRecord(txid [32]byte, vout uint32, blockHeight int32, flags uint8, amount uint64, script []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Write(txid[:])
	writeLE32(buf, vout)
	heightFlagged := blockHeight & 0x00ffffff
	if flags != 0 {
		heightFlagged |= 0x01000000
	}
	writeLE32(buf, uint32(heightFlagged))
	writeLE64(buf, amount)
	writeLE32(buf, uint32(len(script)))
	buf.Write(script)
	return buf.Bytes()
}

func writeLE32(buf *bytes.Buffer, v uint32) {
	buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func writeLE64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	buf.Write(b[:])
}

func TestDecodeStreamSingleRecord(t *testing.T) {
	var txid [32]byte
	txid[0] = 0xab
	record := buildRecord(txid, 3, 500000, 1, 123456789, []byte{0x76, 0xa9, 0x14})

	out := make(chan UTXOEntry, 1)
	if err := decodeStream(context.Background(), bytes.NewReader(record), out); err != nil {
		t.Fatalf("decodeStream: %v", err)
	}
	close(out)

	entry, ok := <-out
	if !ok {
		t.Fatal("expected one entry")
	}
	if entry.Outpoint.Index != 3 || entry.Amount != 123456789 || entry.BlockHeight != 500000 || entry.Flags != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !bytes.Equal(entry.Script, []byte{0x76, 0xa9, 0x14}) {
		t.Fatalf("unexpected script: % x", entry.Script)
	}
}

func TestDecodeStreamMultipleRecordsAcrossChunks(t *testing.T) {
	var t1, t2 [32]byte
	t1[0], t2[0] = 1, 2
	r1 := buildRecord(t1, 0, 100, 0, 1000, []byte{0x01})
	r2 := buildRecord(t2, 1, 200, 0, 2000, []byte{0x02, 0x03})

	full := append(append([]byte{}, r1...), r2...)

	// Split mid-record to exercise the tail-buffer growth path.
	chunked := &chunkedReader{chunks: [][]byte{full[:20], full[20:]}}

	out := make(chan UTXOEntry, 2)
	if err := decodeStream(context.Background(), chunked, out); err != nil {
		t.Fatalf("decodeStream: %v", err)
	}
	close(out)

	var entries []UTXOEntry
	for e := range out {
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Amount != 1000 || entries[1].Amount != 2000 {
		t.Fatalf("unexpected amounts: %+v", entries)
	}
}

type chunkedReader struct {
	chunks [][]byte
	i      int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.i >= len(c.chunks) {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.i])
	c.i++
	return n, nil
}

func TestDecodeStreamRespectsContextCancellation(t *testing.T) {
	var txid [32]byte
	record := buildRecord(txid, 0, 0, 0, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan UTXOEntry)
	err := decodeStream(ctx, bytes.NewReader(record), out)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestDecodeRecordIncompleteBuffer(t *testing.T) {
	_, _, ok := decodeRecord(make([]byte, recordMinSize-1))
	if ok {
		t.Fatal("expected incomplete record to report not ok")
	}
}

func TestDecodeRecordIncompleteScriptTrailer(t *testing.T) {
	var txid [32]byte
	full := buildRecord(txid, 0, 0, 0, 1, []byte{1, 2, 3, 4, 5})
	_, _, ok := decodeRecord(full[:recordMinSize+2])
	if ok {
		t.Fatal("expected incomplete script trailer to report not ok")
	}
}

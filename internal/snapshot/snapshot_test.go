// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package snapshot

import (
	"testing"
	"time"
)

const (
	testPMTPID   = 0x0100
	testVideoPID = 0x0101
)

// buildTSPacket monta um pacote TS de 188 bytes sem adaptation field, com
// payload_unit_start_indicator conforme pusi e o payload dado (preenchido
// com 0xFF até completar o pacote).
func buildTSPacket(pid uint16, pusi bool, payload []byte) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = tsSyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // no adaptation field, payload only, continuity counter 0

	n := copy(pkt[4:], payload)
	for i := 4 + n; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

func buildPATPacket() []byte {
	section := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax_indicator | section_length=13
		0x00, 0x01, // transport_stream_id
		0xC1,       // reserved/version/current_next
		0x00,       // section_number
		0x00,       // last_section_number
		0x00, 0x01, // program_number = 1
		byte(0xE0 | testPMTPID>>8), byte(testPMTPID & 0xFF), // reserved/PMT PID
		0x00, 0x00, 0x00, 0x00, // CRC32 (unchecked by this parser)
	}
	payload := append([]byte{0x00}, section...) // pointer_field=0
	return buildTSPacket(pidPAT, true, payload)
}

func buildPMTPacket() []byte {
	section := []byte{
		0x02,       // table_id
		0xB0, 0x12, // section_length = 18
		0x00, 0x01, // program_number
		0xC1,                                             // reserved/version/current_next
		0x00,                                             // section_number
		0x00,                                             // last_section_number
		byte(0xE0 | testVideoPID>>8), byte(testVideoPID & 0xFF), // reserved/PCR_PID
		0xF0, 0x00, // reserved/program_info_length=0
		streamTypeJPEG,
		byte(0xE0 | testVideoPID>>8), byte(testVideoPID & 0xFF), // reserved/elementary_PID
		0xF0, 0x00, // reserved/ES_info_length=0
		0x00, 0x00, 0x00, 0x00, // CRC32
	}
	payload := append([]byte{0x00}, section...)
	return buildTSPacket(testPMTPID, true, payload)
}

// buildPESPackets reparte um elementary stream payload em um ou mais
// pacotes TS do PID de vídeo, prefixando o primeiro com um cabeçalho PES
// mínimo.
func buildPESPackets(es []byte) [][]byte {
	pesHeader := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}
	data := append(append([]byte{}, pesHeader...), es...)

	var packets [][]byte
	first := true
	for len(data) > 0 {
		room := tsPacketSize - 4
		n := room
		if n > len(data) {
			n = len(data)
		}
		packets = append(packets, buildTSPacket(testVideoPID, first, data[:n]))
		data = data[n:]
		first = false
	}
	return packets
}

func concatPackets(groups ...[][]byte) []byte {
	var out []byte
	for _, g := range groups {
		for _, p := range g {
			out = append(out, p...)
		}
	}
	return out
}

func TestExtractor_ExtractsSelfContainedJPEGFrame(t *testing.T) {
	jpeg := append(append([]byte{0xFF, 0xD8}, []byte("fake jpeg payload")...), 0xFF, 0xD9)

	e := New(true)
	if err := e.Init(time.Second); err != nil {
		t.Fatalf("Init: %v", err)
	}

	stream := concatPackets(
		[][]byte{buildPATPacket()},
		[][]byte{buildPMTPacket()},
		buildPESPackets(jpeg),
		// Um segundo PES (mesmo PID, novo pusi) força o flush do primeiro.
		buildPESPackets(jpeg),
	)

	var got []byte
	var done bool
	for len(stream) >= tsPacketSize {
		got, done = e.ProcessPacket(stream[:tsPacketSize])
		stream = stream[tsPacketSize:]
		if done {
			break
		}
	}

	if !done {
		t.Fatal("expected extractor to produce a frame before the stream ended")
	}
	if string(got) != string(jpeg) {
		t.Fatalf("extracted frame mismatch:\ngot:  %q\nwant: %q", got, jpeg)
	}
	if e.FallbackToStreaming() {
		t.Fatal("did not expect fallback after a successful extraction")
	}
}

func TestExtractor_FallsBackWhenPMTHasNoJPEGStream(t *testing.T) {
	e := New(true)
	if err := e.Init(time.Second); err != nil {
		t.Fatalf("Init: %v", err)
	}

	section := []byte{
		0x02,
		0xB0, 0x12,
		0x00, 0x01,
		0xC1,
		0x00,
		0x00,
		0xE0, 0x01,
		0xF0, 0x00,
		0x1B, // H.264, not JPEG
		0xE0, 0x01,
		0xF0, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte{0x00}, section...)
	pmtPacket := buildTSPacket(testPMTPID, true, payload)

	e.ProcessPacket(buildPATPacket())
	e.ProcessPacket(pmtPacket)

	if !e.FallbackToStreaming() {
		t.Fatal("expected fallback when no PMT stream advertises a JPEG stream_type")
	}
}

func TestExtractor_FallsBackWhenBudgetExpires(t *testing.T) {
	e := New(true)
	if err := e.Init(time.Millisecond); err != nil {
		t.Fatalf("Init: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	jpeg, done := e.ProcessPacket(buildPATPacket())
	if jpeg != nil || done {
		t.Fatal("expected no output once the budget has expired")
	}
	if !e.FallbackToStreaming() {
		t.Fatal("expected fallback once the budget has expired")
	}
}

func TestExtractor_TimeoutWithFallbackDisallowedClosesWithError(t *testing.T) {
	e := New(false)
	if err := e.Init(time.Millisecond); err != nil {
		t.Fatalf("Init: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	e.ProcessPacket(buildPATPacket())

	if e.FallbackToStreaming() {
		t.Fatal("expected no fallback when the triggering mode forbids it")
	}
	if !e.CloseWithError() {
		t.Fatal("expected CloseWithError once the budget expires without fallback allowed")
	}
}

func TestExtractor_NonTimeoutGiveUpStillFallsBackRegardlessOfMode(t *testing.T) {
	e := New(false)
	if err := e.Init(time.Second); err != nil {
		t.Fatalf("Init: %v", err)
	}

	section := []byte{
		0x02,
		0xB0, 0x12,
		0x00, 0x01,
		0xC1,
		0x00,
		0x00,
		0xE0, 0x01,
		0xF0, 0x00,
		0x1B, // H.264, not JPEG
		0xE0, 0x01,
		0xF0, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte{0x00}, section...)
	pmtPacket := buildTSPacket(testPMTPID, true, payload)

	e.ProcessPacket(buildPATPacket())
	e.ProcessPacket(pmtPacket)

	if !e.FallbackToStreaming() {
		t.Fatal("expected fallback when no PMT stream advertises a JPEG stream_type, regardless of allowFallback")
	}
	if e.CloseWithError() {
		t.Fatal("CloseWithError should only trigger on a timed-out, fallback-disallowed extractor")
	}
}

func TestExtractor_InitRejectsNonPositiveBudget(t *testing.T) {
	e := New(true)
	if err := e.Init(0); err == nil {
		t.Fatal("expected an error for a zero budget")
	}
}

func TestExtractor_Free(t *testing.T) {
	e := New(true)
	_ = e.Init(time.Second)
	e.ProcessPacket(buildPATPacket())
	e.ProcessPacket(buildPMTPacket())
	e.ProcessPacket(buildPESPackets([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9})[0])
	e.Free()
	if e.pes.Len() != 0 {
		t.Fatal("expected Free to reset the PES reassembly buffer")
	}
}

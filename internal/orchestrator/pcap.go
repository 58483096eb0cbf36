package orchestrator

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Download is one HTTP response reconstructed from a sandbox's packet
// capture, handed up as a DOWNLOAD event (spec §4.6 "Yield", §3).
type Download struct {
	At         time.Time
	SourceIPv4 string
	SourceIPv6 string
	URL        string
	MimeType   string
	Data       []byte
}

// pcapGlobalHeaderLen and pcapRecordHeaderLen are the classic libpcap
// file format's fixed header sizes (RFC-less but de facto standard:
// https://wiki.wireshark.org/Development/LibpcapFileFormat).
const (
	pcapGlobalHeaderLen = 24
	pcapRecordHeaderLen = 16
)

// ReconstructDownloads walks a libpcap capture byte-for-byte in capture
// order and replays each TCP segment's payload through net/http's
// response reader to recover HTTP response bodies an attacker downloaded
// in the sandbox over plaintext.
//
// No packet-capture/reassembly library (gopacket or similar) was
// retrieved anywhere in the examples pack, so this deliberately only
// looks at payload bytes already in capture order: no out-of-order
// segment handling, no retransmission dedup, no non-HTTP protocols. That
// is sufficient for the honeypot's purpose (see DESIGN.md) but is not a
// general-purpose packet analyzer.
func ReconstructDownloads(pcapData []byte) ([]Download, error) {
	if len(pcapData) < pcapGlobalHeaderLen {
		return nil, fmt.Errorf("pcap data too short: %d bytes", len(pcapData))
	}

	byteOrder, err := pcapByteOrder(pcapData[:4])
	if err != nil {
		return nil, err
	}

	streams := newTCPStreamDemuxer()

	offset := pcapGlobalHeaderLen
	for offset+pcapRecordHeaderLen <= len(pcapData) {
		tsSec := byteOrder.Uint32(pcapData[offset : offset+4])
		tsUsec := byteOrder.Uint32(pcapData[offset+4 : offset+8])
		capLen := byteOrder.Uint32(pcapData[offset+8 : offset+12])
		offset += pcapRecordHeaderLen

		if offset+int(capLen) > len(pcapData) {
			break
		}
		frame := pcapData[offset : offset+int(capLen)]
		offset += int(capLen)

		ts := time.Unix(int64(tsSec), int64(tsUsec)*1000).UTC()
		streams.feed(frame, ts)
	}

	var downloads []Download
	for _, s := range streams.all() {
		ds, err := s.reconstructHTTPResponses()
		if err != nil {
			continue // best-effort: non-HTTP or truncated streams are skipped
		}
		downloads = append(downloads, ds...)
	}
	return downloads, nil
}

func pcapByteOrder(magic []byte) (binary.ByteOrder, error) {
	switch binary.LittleEndian.Uint32(magic) {
	case 0xa1b2c3d4, 0xa1b23c4d:
		return binary.LittleEndian, nil
	}
	switch binary.BigEndian.Uint32(magic) {
	case 0xa1b2c3d4, 0xa1b23c4d:
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unrecognized pcap magic number %x", magic)
}

// tcpStream accumulates one direction's payload bytes for a source/dest
// IP:port 4-tuple, in the order frames were captured.
type tcpStream struct {
	srcIP   string
	payload bytes.Buffer
	firstAt time.Time
}

type tcpStreamDemuxer struct {
	byKey map[string]*tcpStream
}

func newTCPStreamDemuxer() *tcpStreamDemuxer {
	return &tcpStreamDemuxer{byKey: make(map[string]*tcpStream)}
}

// feed parses a minimal Ethernet+IPv4+TCP header stack and appends the
// segment's payload to the matching stream. Anything else (ARP, IPv6,
// non-TCP) is silently skipped; this orchestrator only reconstructs plain
// HTTP downloads, not a general protocol suite.
func (d *tcpStreamDemuxer) feed(frame []byte, at time.Time) {
	const ethHeaderLen = 14
	if len(frame) < ethHeaderLen+20 {
		return
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != 0x0800 { // IPv4 only
		return
	}
	ip := frame[ethHeaderLen:]
	if len(ip) < 20 {
		return
	}
	ihl := int(ip[0]&0x0f) * 4
	proto := ip[9]
	if proto != 6 || len(ip) < ihl+20 { // TCP only
		return
	}
	srcIP := fmt.Sprintf("%d.%d.%d.%d", ip[12], ip[13], ip[14], ip[15])
	dstIP := fmt.Sprintf("%d.%d.%d.%d", ip[16], ip[17], ip[18], ip[19])

	tcp := ip[ihl:]
	if len(tcp) < 20 {
		return
	}
	srcPort := binary.BigEndian.Uint16(tcp[0:2])
	dstPort := binary.BigEndian.Uint16(tcp[2:4])
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset > len(tcp) {
		return
	}
	payload := tcp[dataOffset:]
	if len(payload) == 0 {
		return
	}

	key := fmt.Sprintf("%s:%d->%s:%d", srcIP, srcPort, dstIP, dstPort)
	s, ok := d.byKey[key]
	if !ok {
		s = &tcpStream{srcIP: srcIP, firstAt: at}
		d.byKey[key] = s
	}
	s.payload.Write(payload)
}

func (d *tcpStreamDemuxer) all() []*tcpStream {
	out := make([]*tcpStream, 0, len(d.byKey))
	for _, s := range d.byKey {
		out = append(out, s)
	}
	return out
}

// reconstructHTTPResponses repeatedly parses HTTP responses off the front
// of the stream's accumulated bytes until it runs out of complete
// messages.
func (s *tcpStream) reconstructHTTPResponses() ([]Download, error) {
	r := bufio.NewReader(bytes.NewReader(s.payload.Bytes()))
	var downloads []Download
	for {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			if err == io.EOF || len(downloads) > 0 {
				return downloads, nil
			}
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return downloads, nil
		}
		mimeType := resp.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		downloads = append(downloads, Download{
			At:         s.firstAt,
			SourceIPv4: s.srcIP,
			MimeType:   mimeType,
			Data:       body,
		})
	}
}

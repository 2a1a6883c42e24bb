package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/bpfmatch/bpfmatch"
	"github.com/bpfmatch/bpfmatch/internal"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestMain(m *testing.M) {
	err := internal.UnlimitLockedMemory()
	if err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func TestCopyMatching(t *testing.T) {
	in := testPcap(t, udpPacket(t, 53), udpPacket(t, 54), udpPacket(t, 53))

	out := bytes.Buffer{}
	read, matched := runCopyMatching(t, in, &out, "udp dst port 53", 0)

	if read != 3 {
		t.Fatalf("expected 3 packets read, got %d", read)
	}
	if matched != 2 {
		t.Fatalf("expected 2 packets matched, got %d", matched)
	}

	if got := countPackets(t, &out); got != 2 {
		t.Fatalf("expected 2 packets written, got %d", got)
	}
}

func TestCopyMatchingMax(t *testing.T) {
	in := testPcap(t, udpPacket(t, 53), udpPacket(t, 53), udpPacket(t, 53))

	out := bytes.Buffer{}
	_, matched := runCopyMatching(t, in, &out, "udp dst port 53", 1)

	if matched != 1 {
		t.Fatalf("expected 1 packet matched, got %d", matched)
	}
}

func TestCopyMatchingEmptyExpr(t *testing.T) {
	in := testPcap(t, udpPacket(t, 53), udpPacket(t, 54))

	out := bytes.Buffer{}
	read, matched := runCopyMatching(t, in, &out, "", 0)

	if read != 2 || matched != 2 {
		t.Fatalf("empty expression should match everything, read %d matched %d", read, matched)
	}
}

func runCopyMatching(t *testing.T, in io.Reader, out io.Writer, expr string, max uint64) (read, matched uint64) {
	t.Helper()

	reader, err := pcapgo.NewReader(in)
	if err != nil {
		t.Fatal(err)
	}

	insns, err := parseFilter(expr, reader.LinkType())
	if err != nil {
		t.Fatal(err)
	}

	filter, err := bpfmatch.FromInstructions(insns)
	if err != nil {
		t.Fatal(err)
	}
	defer filter.Close()

	writer := pcapgo.NewWriter(out)
	err = writer.WriteFileHeader(internal.MaxSnapLen, reader.LinkType())
	if err != nil {
		t.Fatal(err)
	}

	read, matched, err = copyMatching(reader, writer, filter, max)
	if err != nil {
		t.Fatal(err)
	}

	return read, matched
}

// testPcap writes an ethernet pcap holding the given packets
func testPcap(t *testing.T, packets ...[]byte) io.Reader {
	t.Helper()

	buf := bytes.Buffer{}
	writer := pcapgo.NewWriter(&buf)

	err := writer.WriteFileHeader(internal.MaxSnapLen, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}

	for _, pkt := range packets {
		err := writer.WritePacket(gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, 0),
			CaptureLength: len(pkt),
			Length:        len(pkt),
		}, pkt)
		if err != nil {
			t.Fatal(err)
		}
	}

	return &buf
}

func countPackets(t *testing.T, r io.Reader) int {
	t.Helper()

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	for {
		_, _, err := reader.ReadPacketData()
		if err == io.EOF {
			return count
		}
		if err != nil {
			t.Fatal(err)
		}

		count++
	}
}

func udpPacket(t *testing.T, dstPort layers.UDPPort) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0, 1},
			DstMAC:       net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		},
		&layers.IPv4{
			Version:  4,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP("1.2.3.4"),
			DstIP:    net.ParseIP("5.6.7.8"),
		},
		&layers.UDP{
			SrcPort: 1234,
			DstPort: dstPort,
		},
		gopacket.Payload([]byte{1, 2, 3, 4}),
	)
	if err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

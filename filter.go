// Package bpfmatch matches raw packet buffers against tcpdump / libpcap
// filter expressions.
//
// Expressions are compiled to classic BPF by libpcap, translated to eBPF and
// loaded into the kernel, which JITs them. Matching runs the loaded program
// over the buffer with BPF_PROG_TEST_RUN; no network I/O or packet capture
// is involved.
package bpfmatch

import (
	"fmt"
	"io"
	"strings"

	"github.com/bpfmatch/bpfmatch/internal"

	"github.com/cilium/ebpf"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
)

// XDP test runs reject buffers shorter than an ethernet header
const minTestData = 14

// Filter matches packet buffers against a compiled filter expression.
//
// A Filter is immutable once constructed and safe for concurrent use by
// multiple goroutines, but must not be Close()'d while another goroutine
// may still be calling Matches.
type Filter struct {
	expr  string
	insns []bpf.Instruction

	prog     *ebpf.Program
	counters *ebpf.Map
}

// Metrics holds the packet counters of a Filter.
type Metrics struct {
	ReceivedPackets uint64
	MatchedPackets  uint64
}

// New creates a Filter from a tcpdump / libpcap filter expression,
// compiled for ethernet framed packets.
func New(expr string) (*Filter, error) {
	return NewEthernet(expr)
}

// NewEthernet creates a Filter from a tcpdump / libpcap filter expression,
// compiled for ethernet framed packets.
func NewEthernet(expr string) (*Filter, error) {
	return Compile(expr, layers.LinkTypeEthernet)
}

// NewIP creates a Filter from a tcpdump / libpcap filter expression,
// compiled for raw IP packets with no link-layer header.
func NewIP(expr string) (*Filter, error) {
	// Packet begins directly with an IPv4 or IPv6 header
	// tcpdump defines:
	//  LINKTYPE_RAW = 101 (https://www.tcpdump.org/linktypes.html)
	//  DLT_RAW = 12 (https://github.com/the-tcpdump-group/libpcap/blob/master/pcap/dlt.h#L88)
	// layers.LinkTypeRaw uses 101, but pcap_open_dead() expects 12
	return Compile(expr, layers.LinkType(12))
}

// Compile creates a Filter from a tcpdump / libpcap filter expression,
// compiled for the given link type.
//
// The empty expression compiles to a match-everything filter. A rejected
// expression yields a *CompileError carrying libpcap's diagnostic.
func Compile(expr string, linkType layers.LinkType) (*Filter, error) {
	// libpcap takes a C string, the expression can't cross the boundary
	if strings.IndexByte(expr, 0) != -1 {
		return nil, errors.New("filter expression contains a NUL byte")
	}

	insns, err := internal.TcpdumpExprToBPF(expr, linkType)
	if err != nil {
		return nil, &CompileError{Expr: expr, Msg: err.Error()}
	}

	f, err := FromInstructions(insns)
	if err != nil {
		return nil, err
	}

	f.expr = expr
	return f, nil
}

// FromInstructions creates a Filter from an already compiled classic BPF
// program, skipping libpcap entirely.
func FromInstructions(insns []bpf.Instruction) (*Filter, error) {
	prog, counters, err := loadProgram(insns)
	if err != nil {
		return nil, err
	}

	owned := make([]bpf.Instruction, len(insns))
	copy(owned, insns)

	return &Filter{
		insns:    owned,
		prog:     prog,
		counters: counters,
	}, nil
}

// Matches reports whether data matches the filter. Any != 0 filter return
// code is a match.
//
// data should hold a full packet in the framing the filter was compiled
// for. Buffers shorter than the minimum the kernel accepts for a test run
// are evaluated zero-padded.
func (f *Filter) Matches(data []byte) bool {
	if len(data) < minTestData {
		padded := make([]byte, minTestData)
		copy(padded, data)
		data = padded
	}

	ret, _, err := f.prog.Test(data)
	if err != nil {
		return false
	}

	return ret != 0
}

// Expression returns the filter expression the Filter was compiled from.
// It is empty for a Filter built with FromInstructions.
func (f *Filter) Expression() string {
	return f.expr
}

// Instructions returns a copy of the compiled classic BPF program.
func (f *Filter) Instructions() []bpf.Instruction {
	insns := make([]bpf.Instruction, len(f.insns))
	copy(insns, f.insns)
	return insns
}

// RawInstructions returns a copy of the compiled classic BPF program in its
// wire encoding.
func (f *Filter) RawInstructions() ([]bpf.RawInstruction, error) {
	return bpf.Assemble(f.insns)
}

// Dump writes a human readable listing of the classic BPF program to w, one
// { opcode, jt, jf, k } tuple per line. The format is for diagnostics only
// and not guaranteed stable.
func (f *Filter) Dump(w io.Writer) error {
	raw, err := f.RawInstructions()
	if err != nil {
		return errors.Wrap(err, "assembling instructions")
	}

	for i, insn := range raw {
		_, err := fmt.Fprintf(w, "%3d: { 0x%02x, %d, %d, 0x%08x },\n", i, insn.Op, insn.Jt, insn.Jf, insn.K)
		if err != nil {
			return err
		}
	}

	return nil
}

func (f *Filter) String() string {
	str := strings.Builder{}

	err := f.Dump(&str)
	if err != nil {
		return fmt.Sprintf("invalid filter program: %s", err)
	}

	return str.String()
}

// Metrics returns the number of packets the filter evaluated and matched,
// summed over all CPUs.
func (f *Filter) Metrics() (Metrics, error) {
	perCPU := []counters{}

	err := f.counters.Lookup(uint32(0), &perCPU)
	if err != nil {
		return Metrics{}, errors.Wrap(err, "accessing counters map")
	}

	total := Metrics{}
	for _, cpu := range perCPU {
		total.ReceivedPackets += cpu[receivedPackets]
		total.MatchedPackets += cpu[matchedPackets]
	}

	return total, nil
}

// Clone creates an independent Filter from the already compiled program,
// without invoking libpcap again. The clone starts with fresh metrics.
//
// Clone panics if the program can't be loaded: the same program loaded when
// the original was constructed, a failure here means the kernel stopped
// accepting a program it previously accepted.
func (f *Filter) Clone() *Filter {
	prog, counters, err := loadProgram(f.insns)
	if err != nil {
		panic(errors.Wrap(err, "re-loading an already loaded filter program"))
	}

	return &Filter{
		expr:     f.expr,
		insns:    f.insns,
		prog:     prog,
		counters: counters,
	}
}

// Close releases the kernel resources held by the Filter. The Filter is
// unusable afterwards. Closing an already closed Filter is a no-op.
func (f *Filter) Close() error {
	var err error

	if f.prog != nil {
		err = f.prog.Close()
		f.prog = nil
	}

	if f.counters != nil {
		if cerr := f.counters.Close(); err == nil {
			err = cerr
		}
		f.counters = nil
	}

	return err
}

package internal

import (
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// MaxSnapLen is the snapshot length filter expressions are compiled against.
const MaxSnapLen = 65535

// pcap_compile() isn't thread-safe before libpcap 1.8, it keeps compiler
// state in globals. Serialize all calls into it.
var compileMu sync.Mutex

// TcpdumpExprToBPF converts a tcpdump / libpcap filter expression to cBPF using libpcap.
// An error from a rejected expression is libpcap's own diagnostic.
func TcpdumpExprToBPF(filterExpr string, linkType layers.LinkType) ([]bpf.Instruction, error) {
	compileMu.Lock()
	insns, err := pcap.CompileBPFFilter(linkType, MaxSnapLen, filterExpr)
	compileMu.Unlock()
	if err != nil {
		return nil, err
	}

	return pcapInsnToX(insns), nil
}

func pcapInsnToX(insns []pcap.BPFInstruction) []bpf.Instruction {
	xInsns := make([]bpf.Instruction, len(insns))

	for i, insn := range insns {
		xInsns[i] = bpf.RawInstruction{
			Op: insn.Code,
			Jt: insn.Jt,
			Jf: insn.Jf,
			K:  insn.K,
		}.Disassemble()
	}

	return xInsns
}

package main

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bpfmatch/bpfmatch/internal"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
)

type linkTypeFlag layers.LinkType

func (l *linkTypeFlag) Set(val string) error {
	val = strings.TrimSpace(strings.ToLower(val))

	for _, link := range linkTypes() {
		if val == strings.ToLower(link.String()) {
			*l = link
			return nil
		}
	}

	// Accept links we don't know about using their numeric value
	// Base 0 to allow for hex
	unknownLink, err := strconv.ParseInt(val, 0, 16)
	if err != nil {
		return errors.Errorf("unknown linktype %s", val)
	}

	*l = linkTypeFlag(unknownLink)
	return nil
}

func (l linkTypeFlag) String() string {
	return strings.ToLower(layers.LinkType(l).String())
}

func (l linkTypeFlag) Type() string {
	return "linktype"
}

// All valid LinkTypes
func linkTypes() []linkTypeFlag {
	links := []linkTypeFlag{}

	for link, meta := range layers.LinkTypeMetadata {
		if meta.Name == "UnknownLinkType" {
			continue
		}

		links = append(links, linkTypeFlag(link))
	}

	return links
}

var bpfRegex = regexp.MustCompile(`^\d+(?:,\d+ \d+ \d+ \d+)+,?$`)

// parseFilter builds a cBPF program from expr, which is either a tcpdump /
// libpcap filter expression, or an already compiled program formatted as
// '<length>,<opcode> <jt> <jf> <k>,...'
func parseFilter(expr string, linkType layers.LinkType) ([]bpf.Instruction, error) {
	expr = strings.TrimSpace(expr)

	if bpfRegex.MatchString(expr) {
		return parsecBPF(expr)
	}

	return internal.TcpdumpExprToBPF(expr, linkType)
}

// parsecBPF parses a string of cBPF 4 tuple instructions, formatted as:
//
//	<length>,<opcode> <jt> <jf> <k>,...
func parsecBPF(bpfStr string) ([]bpf.Instruction, error) {
	cbpf := strings.Split(strings.TrimSuffix(bpfStr, ","), ",")

	if len(cbpf) < 1 {
		return nil, errors.Errorf("unable to split cBPF length & instructions")
	}

	insCount, err := strconv.Atoi(cbpf[0])
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse cBPF length")
	}

	insns := cbpf[1:]
	if len(insns) != insCount {
		return nil, errors.Errorf("declared cBPF instruction length %d doesn't match actual %d", insCount, len(insns))
	}

	cbpfInsns := make([]bpf.Instruction, len(insns))
	for i, insnStr := range insns {
		cbpfInsns[i], err = parseInstruction(insnStr)
		if err != nil {
			return nil, errors.Wrapf(err, "instruction %d", i)
		}
	}

	return cbpfInsns, nil
}

// parseInstruction parses a cBPF instruction, formatted as:
//
//	<opcode> <jt> <jf> <k>
func parseInstruction(insnStr string) (bpf.Instruction, error) {
	fields := strings.Split(insnStr, " ")
	if len(fields) != 4 {
		return nil, errors.Errorf("wrong number of fields, expected %d found %d", 4, len(fields))
	}

	op, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse OpCode")
	}

	jt, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse JumpTrue")
	}

	jf, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse JumpFalse")
	}

	k, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse K")
	}

	rawInsn := bpf.RawInstruction{
		Op: uint16(op),
		Jt: uint8(jt),
		Jf: uint8(jf),
		K:  uint32(k),
	}

	return rawInsn.Disassemble(), nil
}

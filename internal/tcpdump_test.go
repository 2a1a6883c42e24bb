package internal

import (
	"reflect"
	"sync"
	"testing"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

func TestEmptyExpr(t *testing.T) {
	insns, err := TcpdumpExprToBPF("", layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}

	if len(insns) == 0 {
		t.Fatal("empty program")
	}

	// The empty expression compiles to a match-everything program
	ret, ok := insns[len(insns)-1].(bpf.RetConstant)
	if !ok || ret.Val == 0 {
		t.Fatalf("expected a matching return, got %v", insns[len(insns)-1])
	}
}

func TestInvalidExpr(t *testing.T) {
	_, err := TcpdumpExprToBPF("not a valid filter ((", layers.LinkTypeEthernet)
	if err == nil {
		t.Fatal("invalid expression accepted")
	}

	if err.Error() == "" {
		t.Fatal("empty diagnostic")
	}
}

func TestLinkTypes(t *testing.T) {
	eth, err := TcpdumpExprToBPF("udp", layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}

	// DLT_RAW. layers.LinkTypeRaw is LINKTYPE_RAW (101), which
	// pcap_open_dead() doesn't understand
	raw, err := TcpdumpExprToBPF("udp", layers.LinkType(12))
	if err != nil {
		t.Fatal(err)
	}

	if reflect.DeepEqual(eth, raw) {
		t.Fatal("same program for different linktypes")
	}
}

func TestConcurrentCompile(t *testing.T) {
	want, err := TcpdumpExprToBPF("tcp port 80", layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				insns, err := TcpdumpExprToBPF("tcp port 80", layers.LinkTypeEthernet)
				if err != nil {
					t.Error(err)
					return
				}

				if !reflect.DeepEqual(insns, want) {
					t.Error("concurrent compilation produced a different program")
					return
				}
			}
		}()
	}

	wg.Wait()
}

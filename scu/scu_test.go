package scu

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/dimse"
	"github.com/medigo/dicomul/pdu"
	"github.com/medigo/dicomul/types"
)

// peer is the test double for the association's other side: it drives an
// already-accepted *assoc.Association through the same
// encode/fragment/send and feed/reassemble steps session does, so a test
// can act like a real SCP without a canned byte script (an SCU exchange
// needs an active peer that itself parses DIMSE and answers).
type peer struct {
	assoc     *assoc.Association
	assembler *dimse.Assembler
	nextMsgID uint32
}

func newPeer(a *assoc.Association, knownContextIDs []byte) *peer {
	return &peer{assoc: a, assembler: dimse.NewAssembler(knownContextIDs)}
}

func (p *peer) messageID() uint16 {
	return uint16(atomic.AddUint32(&p.nextMsgID, 1))
}

func (p *peer) send(contextID byte, cmd types.CommandSet, dataSet []byte) error {
	commandBytes := dimse.EncodeCommandSet(cmd)
	pdvs := dimse.Fragment(commandBytes, dataSet, contextID, p.assoc.MaxPDULength())
	return p.assoc.SendData(pdvs)
}

func (p *peer) receive() (*types.Message, error) {
	for {
		v, err := p.assoc.ReceiveNext()
		if err != nil {
			return nil, err
		}
		pdataTF, ok := v.(pdu.PDataTF)
		if !ok {
			continue
		}
		for _, pdv := range pdataTF.PDVs {
			msg, err := p.assembler.Feed(pdv)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
		}
	}
}

// allowAll accepts the given abstract syntaxes under Implicit/Explicit VR
// Little Endian, the pair every scu package service proposes.
func allowAll(abstractSyntaxes ...string) assoc.NegotiationPolicy {
	allowed := make(map[string]bool, len(abstractSyntaxes))
	for _, as := range abstractSyntaxes {
		allowed[as] = true
	}
	return assoc.NegotiationPolicy{
		SupportsAbstractSyntax: func(uid string) bool { return allowed[uid] },
		AllowedTransferSyntaxes: map[string]bool{
			types.ImplicitVRLittleEndian: true,
			types.ExplicitVRLittleEndian: true,
		},
	}
}

// startServer listens on loopback TCP and, for every inbound connection,
// establishes the SCP side of an association and hands it to handle in its
// own goroutine. Returns the dial address for the SCU under test. The
// listener is closed when the test ends, which is enough to let
// BatchStore's per-file reassociation tests dial the same address
// repeatedly without each test needing its own accept loop.
func startServer(t *testing.T, policy assoc.NegotiationPolicy, handle func(*peer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				srvAssoc, err := assoc.Accept(conn, assoc.AcceptParams{
					LocalAE:           "TEST_SCP",
					NegotiationPolicy: policy,
					MaxPDULength:      16384,
					ReadTimeout:       5 * time.Second,
					WriteTimeout:      5 * time.Second,
				})
				if err != nil {
					return
				}
				var ids []byte
				for _, ctx := range srvAssoc.AcceptedContexts() {
					if ctx.Accepted() {
						ids = append(ids, ctx.ID)
					}
				}
				handle(newPeer(srvAssoc, ids))
			}()
		}
	}()
	return ln.Addr().String()
}

func testConfig(address string) Config {
	return Config{
		Address:        address,
		CalledAE:       "TEST_SCP",
		CallingAE:      "TEST_SCU",
		MaxPDULength:   16384,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

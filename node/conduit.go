package node

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/network"
)

// sendTimeout bounds one transport send, including a possible dial.
const sendTimeout = 10 * time.Second

// sentEnvelope is the resend-cache entry for one in-flight request, kept so
// an anti-entropy retry can replay it under the corrected section key.
type sentEnvelope struct {
	addr string
	env  *network.Envelope
}

// newEnvelope wraps an encoded payload in a node-signed envelope. The
// destination section key claim is filled from our routing table when the
// destination is name-addressed.
func (n *Node) newEnvelope(dst network.Dst, payload interface{}) (*network.Envelope, error) {
	data, err := n.codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	id, err := network.NewMsgID()
	if err != nil {
		return nil, err
	}
	env := &network.Envelope{
		Version: network.ProtocolVersion,
		MsgID:   id,
		Src: network.Src{
			Kind:    network.SrcNode,
			Name:    n.identity.Name(),
			NodePK:  n.identity.Public,
			NodeSig: n.identity.Sign(data),
		},
		Dst:         dst,
		Aggregation: network.AggregationNone,
		Payload:     data,
	}
	if dst.Kind != network.DstDirect {
		if tree := n.sectionTree(); tree != nil {
			if key, err := tree.SectionKey(dst.Name); err == nil {
				env.DstSectionKey = key
			}
		}
	}
	return env, nil
}

// transmit sends one envelope and remembers it for anti-entropy replay.
// Transport failures toward a known peer count against its fault score.
func (n *Node) transmit(addr string, name safe.XorName, env *network.Envelope) error {
	n.resent.Add(env.MsgID, sentEnvelope{addr: addr, env: env})

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.send(ctx, addr, env); err != nil {
		if name != (safe.XorName{}) {
			n.faults.Fault(name)
		}
		return err
	}
	if name != (safe.XorName{}) {
		n.faults.Reset(name)
	}
	n.metrics.MessageSent(env.MsgID.String())
	return nil
}

// resolveAddr finds the transport address of a name: section members first,
// then elders of whichever section the routing table places the name in.
func (n *Node) resolveAddr(name safe.XorName) (string, error) {
	if record := n.membershipRecord(); record != nil {
		if state, ok := record.Get(name); ok && state.Peer.Addr != "" {
			return state.Peer.Addr, nil
		}
	}
	if tree := n.sectionTree(); tree != nil {
		if sap, err := tree.Lookup(name); err == nil {
			for _, elder := range sap.SAP.Elders {
				if elder.Name == name && elder.Addr != "" {
					return elder.Addr, nil
				}
			}
		}
	}
	return "", safe.NewError(safe.KindNotFound, "no known address for %s", name)
}

// SendToPeer delivers a payload to one node, resolving the address when the
// peer carries only a name. Sending to ourselves short-circuits through the
// local dispatch queue.
func (n *Node) SendToPeer(peer safe.Peer, payload interface{}) error {
	if peer.Name == n.identity.Name() {
		return n.deliverLocal(payload)
	}
	addr := peer.Addr
	if addr == "" {
		resolved, err := n.resolveAddr(peer.Name)
		if err != nil {
			return err
		}
		addr = resolved
	}
	env, err := n.newEnvelope(network.Dst{Kind: network.DstNode, Name: peer.Name}, payload)
	if err != nil {
		return err
	}
	return n.transmit(addr, peer.Name, env)
}

// SendToElders delivers a payload to every elder of our own section,
// including ourselves via the local dispatch queue.
func (n *Node) SendToElders(payload interface{}) error {
	sap, err := n.currentSAP()
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, elder := range sap.Elders {
		if err := n.SendToPeer(elder, payload); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// sendToSection delivers a payload to the elders of the section owning the
// given name, which may be a foreign section.
func (n *Node) sendToSection(name safe.XorName, payload interface{}) error {
	tree := n.sectionTree()
	if tree == nil {
		return safe.NewError(safe.KindInvalidState, "routing table not ready")
	}
	sap, err := tree.Lookup(name)
	if err != nil {
		return err
	}
	env, err := n.newEnvelope(network.Dst{Kind: network.DstSection, Name: name}, payload)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, elder := range sap.SAP.Elders {
		if elder.Name == n.identity.Name() {
			if err := n.deliverLocal(payload); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		if err := n.transmit(elder.Addr, elder.Name, env); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// reply answers an inbound envelope over the same transport endpoint it
// arrived from, echoing its message id so the sender can correlate.
func (n *Node) reply(origin string, correlate network.MsgID, payload interface{}) error {
	env, err := n.newEnvelope(network.Dst{Kind: network.DstDirect, Addr: origin}, payload)
	if err != nil {
		return err
	}
	env.MsgID = correlate

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.send(ctx, origin, env); err != nil {
		return err
	}
	n.metrics.MessageSent(env.MsgID.String())
	return nil
}

// dkgConduit adapts the node transport to the DKG broker.
type dkgConduit struct {
	node *Node
}

func (c dkgConduit) SendPrivate(dst safe.Peer, msg *messages.PrivateDKGMessage) error {
	return c.node.SendToPeer(dst, msg)
}

func (c dkgConduit) Broadcast(dsts []safe.Peer, msg *messages.BroadcastDKGMessage) error {
	var firstErr error
	for _, dst := range dsts {
		if dst.Name == c.node.identity.Name() {
			continue
		}
		if err := c.node.SendToPeer(dst, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

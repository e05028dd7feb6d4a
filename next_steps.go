package docflow

import (
	"github.com/birdayz/docflow/kdoc"
)

// SendState is the delivery progress of one document to one step.
type SendState int

const (
	SendTry SendState = iota
	SendRetry
	SendSent
	SendFail
)

func (s SendState) String() string {
	switch s {
	case SendTry:
		return "TRY"
	case SendRetry:
		return "RETRY"
	case SendSent:
		return "SENT"
	case SendFail:
		return "FAIL"
	}
	return "UNKNOWN"
}

// Delivery pairs a target step with the document it receives.
type Delivery struct {
	Step  *Step
	Doc   *kdoc.Document
	State SendState
}

// NextSteps tracks the delivery of a document to the steps a router chose.
// The first target receives the original document, every other target a
// clone taken before any delivery happens.
type NextSteps struct {
	deliveries []*Delivery
}

// NewNextSteps creates the tracker. targets must not be empty.
func NewNextSteps(doc *kdoc.Document, targets ...*Step) *NextSteps {
	ns := &NextSteps{deliveries: make([]*Delivery, len(targets))}
	for i, target := range targets {
		d := doc
		if i > 0 {
			d = doc.Clone()
		}
		ns.deliveries[i] = &Delivery{Step: target, Doc: d, State: SendTry}
	}
	return ns
}

// Deliveries returns every delivery in target order.
func (n *NextSteps) Deliveries() []*Delivery {
	return n.deliveries
}

// Remaining returns the deliveries not yet sent or failed.
func (n *NextSteps) Remaining() []*Delivery {
	var out []*Delivery
	for _, d := range n.deliveries {
		if d.State < SendSent {
			out = append(out, d)
		}
	}
	return out
}

// Sent reports whether every delivery reached SENT.
func (n *NextSteps) Sent() bool {
	for _, d := range n.deliveries {
		if d.State != SendSent {
			return false
		}
	}
	return true
}

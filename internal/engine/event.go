package engine

// Event is one readiness notification returned by Poller.Wait.
type Event struct {
	Token uint64 // user data given to Register/Modify
	Mask  uint32 // raw epoll event bits
}

func (e Event) Readable() bool { return e.Mask&InEventRaw != 0 }
func (e Event) Writable() bool { return e.Mask&OutEventRaw != 0 }

// Failed reports an error or hangup on the descriptor.
func (e Event) Failed() bool { return e.Mask&ErrEvents != 0 }

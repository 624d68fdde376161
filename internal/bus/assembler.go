package bus

// Assembler reassembles BEGIN..END fragment runs per publisher before calling
// the delegate. Unfragmented entries pass straight through.
type Assembler struct {
	delegate FragmentHandler
	builders map[int32][]byte
}

func NewAssembler(delegate FragmentHandler) *Assembler {
	return &Assembler{delegate: delegate, builders: make(map[int32][]byte)}
}

// OnFragment is a FragmentHandler.
func (a *Assembler) OnFragment(buf []byte, h Header) Action {
	if h.Flags&FlagsUnfragmented == FlagsUnfragmented {
		return a.delegate(buf, h)
	}

	if h.Flags&FlagBegin != 0 {
		a.builders[h.PublisherID] = append(a.builders[h.PublisherID][:0], buf...)
		return Continue
	}

	builder, ok := a.builders[h.PublisherID]
	if !ok || len(builder) == 0 {
		// Mid-run fragment without a BEGIN; the run started before we subscribed.
		return Continue
	}
	limit := len(builder)
	builder = append(builder, buf...)
	a.builders[h.PublisherID] = builder

	if h.Flags&FlagEnd == 0 {
		return Continue
	}

	whole := h
	whole.Flags = FlagsUnfragmented
	if a.delegate(builder, whole) == Abort {
		// END is redelivered on the next poll; drop it from the builder.
		a.builders[h.PublisherID] = builder[:limit]
		return Abort
	}
	a.builders[h.PublisherID] = builder[:0]
	return Continue
}

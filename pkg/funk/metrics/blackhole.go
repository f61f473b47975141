package metrics

// NewBlackHoleSink returns a sink that discards everything
func NewBlackHoleSink() Sink {
	return &blackHoleSink{}
}

type blackHoleSink struct {
}

func (b *blackHoleSink) SetClusterSize(size int) {
	// do nothing
}

func (b *blackHoleSink) SetPartitionCount(service string, partitions int) {
	// do nothing
}

func (b *blackHoleSink) SetSessionCount(sessions int) {
	// do nothing
}

func (b *blackHoleSink) SetPendingCount(pending int) {
	// do nothing
}

func (b *blackHoleSink) MessageSent(peer string) {
	// do nothing
}

func (b *blackHoleSink) MessageQueued(peer string) {
	// do nothing
}

func (b *blackHoleSink) MessageDropped(peer string) {
	// do nothing
}

func (b *blackHoleSink) SessionEvent(event string) {
	// do nothing
}

func (b *blackHoleSink) LogRequest(destination, method string) {
	// do nothing
}

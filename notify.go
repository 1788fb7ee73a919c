package chest

import "go.uber.org/zap"

// Subscribe returns a channel receiving the change set of every commit made
// after the call, and a cancel function. The channel is buffered; a consumer
// that falls more than buffer commits behind loses the oldest pending
// notifications (a logged, non-fatal condition). The channel closes when the
// subscription is cancelled or the repository closes.
func (r *Repository) Subscribe(buffer int) (<-chan *ChangeSet, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *ChangeSet, buffer)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	cancel := func() {
		r.subMu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

// publish fans a committed change set out to subscribers. Called with
// commitMu held, so sends must never block.
func (r *Repository) publish(cs *ChangeSet) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		for sent := false; !sent; {
			select {
			case ch <- cs:
				sent = true
			default:
				// full: drop the oldest pending set and retry
				select {
				case dropped := <-ch:
					r.logger.Warn("notification dropped",
						zap.Uint64("version", dropped.Version))
				default:
				}
			}
		}
	}
}

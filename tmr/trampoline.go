package tmr

// Fire is the trampoline the driver calls on every expiry of an attached
// unit. The callback runs on a fresh thread of the owning state so it
// never shares a call stack with whatever the main script is doing; a
// failing callback is recorded and otherwise ignored. Fire waits for
// interpreter ownership: a script inside delay* holds it, so the callback
// runs after the delay ends, while sleep* releases it and lets the
// callback run during the sleep.
func (s *Service) Fire(unit uint8) {
	s.fires.Add(1)

	entry, ok := s.table.Lookup(int(unit))
	if !ok {
		return
	}

	thread := entry.Owner.NewThread()
	reg := entry.Owner.Registry()
	keep := reg.Ref(thread)

	thread.PushRef(entry.Ref)
	if err := thread.PCall(0); err != nil {
		s.callbackFailed(int(unit), err)
	}
	s.dispatched.Add(1)

	reg.Unref(keep)
}

func (s *Service) callbackFailed(unit int, err error) {
	cerr := &Error{Code: CodeCallbackError, Unit: unit, Err: err}

	s.callbackErrors.Add(1)
	s.mu.Lock()
	s.lastErr = cerr
	s.mu.Unlock()

	s.logger.Debug("callback failed", "unit", unit, "err", err)
	if s.errorHook != nil {
		s.errorHook(unit, cerr)
	}
}

package relay

// Cleanup tears down every resource a session may hold. Each step is
// guarded by a take-and-clear on the record, so concurrent callers
// (worker exit, client disconnect, stop request) each act at most once
// per resource. Unknown sessions are a no-op.
func (s *Server) Cleanup(id string) {
	rec, ok := s.registry.Get(id)
	if !ok {
		return
	}

	s.log.Info("cleaning up session", "session", id)

	if h := rec.TakeProcess(); h != nil {
		s.launcher.Stop(h)
	}
	if b := rec.TakeBridge(); b != nil {
		b.Finish()
	}
	if p := rec.TakeIntake(); p != nil {
		_ = p.Close()
	}
	if snk := rec.TakeSink(); snk != nil {
		snk.Close()
	}

	s.registry.Remove(id)
}

// CleanupAll stops every known session, used on server shutdown.
func (s *Server) CleanupAll() {
	for _, rec := range s.registry.All() {
		s.Cleanup(rec.ID)
	}
}

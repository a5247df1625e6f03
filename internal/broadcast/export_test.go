package broadcast

import "fmt"

// CheckIndex verifies that both indices describe the same relation.
func (b *Broadcaster) CheckIndex() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	for jobID, subs := range b.byJob {
		if len(subs) == 0 {
			return fmt.Errorf("job %s: empty subscription set", jobID)
		}
		for id, s := range subs {
			if b.subs[id] != s {
				return fmt.Errorf("job %s: subscription %s is not attached", jobID, id)
			}
			if _, ok := s.jobs[jobID]; !ok {
				return fmt.Errorf("job %s: subscription %s does not list it", jobID, id)
			}
		}
	}
	for id, s := range b.subs {
		for jobID := range s.jobs {
			if b.byJob[jobID][id] != s {
				return fmt.Errorf("subscription %s: job %s does not list it", id, jobID)
			}
		}
	}
	for jobID := range b.purges {
		if _, ok := b.snapshots[jobID]; !ok {
			return fmt.Errorf("job %s: purge pending without snapshot", jobID)
		}
	}
	return nil
}

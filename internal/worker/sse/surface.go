package sse

import "github.com/thebtf/notigate/pkg/models"

// Surface turns pipeline side effects into events. It satisfies the
// pipeline's Presenter, Tray and Behaviors collaborators.
type Surface struct {
	b *Broadcaster
}

// NewSurface publishes through b.
func NewSurface(b *Broadcaster) *Surface {
	return &Surface{b: b}
}

func (s *Surface) Present(n models.Notification) {
	s.b.Publish(Event{Type: EventPresent, Key: n.Key, Notification: &n})
}

func (s *Surface) Retract(key string) {
	s.b.Publish(Event{Type: EventRetract, Key: key})
}

func (s *Surface) UpdateInPlace(n models.Notification) {
	s.b.Publish(Event{Type: EventUpdate, Key: n.Key, Notification: &n})
}

func (s *Surface) Cancel(key string) {
	s.b.Publish(Event{Type: EventTrayCancel, Key: key})
}

func (s *Surface) Vibrate(key string, intensity int) {
	s.b.Publish(Event{Type: EventVibrate, Key: key, Intensity: intensity})
}

func (s *Surface) PlaySound(key string) {
	s.b.Publish(Event{Type: EventSound, Key: key})
}

func (s *Surface) AutoExpand(key string) {
	s.b.Publish(Event{Type: EventAutoExpand, Key: key})
}

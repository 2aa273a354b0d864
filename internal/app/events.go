package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
	"github.com/mattermost/mattermost-redux-sub001/internal/preferences"
	"github.com/mattermost/mattermost-redux-sub001/internal/realtime"
)

// HandleEvent applies one realtime event to the store. Unknown events are
// ignored.
func (s *Service) HandleEvent(ctx context.Context, event realtime.Event) error {
	s.metrics.ObserveEvent(event.Event)

	switch event.Event {
	case realtime.EventPosted:
		post, err := event.Post()
		if err != nil {
			return err
		}
		if err := s.posts.ReceivedNewPost(post); err != nil {
			return err
		}
		if stored, ok := s.posts.Post(post.ID); ok {
			s.persist(ctx, stored.ChannelID, []*posts.Post{stored})
		}

	case realtime.EventPostEdited:
		post, err := event.Post()
		if err != nil {
			return err
		}
		if err := s.posts.ReceivedPost(post); err != nil {
			return err
		}
		if stored, ok := s.posts.Post(post.ID); ok {
			s.persist(ctx, "", []*posts.Post{stored})
		}

	case realtime.EventPostDeleted:
		post, err := event.Post()
		if err != nil {
			return err
		}
		return s.markDeleted(ctx, post.ID)

	case realtime.EventReactionAdded:
		reaction, err := event.Reaction()
		if err != nil {
			return err
		}
		s.posts.ReceivedReaction(*reaction)

	case realtime.EventReactionRemoved:
		reaction, err := event.Reaction()
		if err != nil {
			return err
		}
		s.posts.ReactionDeleted(*reaction)

	case realtime.EventChannelDeleted:
		if s.cfg.ViewArchivedChannels {
			return nil
		}
		if channelID := event.ChannelID(); channelID != "" {
			s.purgeChannel(ctx, channelID)
		}

	case realtime.EventUserRemoved:
		user := s.CurrentUser()
		if user == nil || removedUserID(event) != user.ID {
			return nil
		}
		if channelID := event.ChannelID(); channelID != "" {
			s.purgeChannel(ctx, channelID)
		}

	case realtime.EventPreferencesChanged:
		var prefs []preferences.Preference
		if err := event.Decode("preferences", &prefs); err != nil {
			return err
		}
		return s.preferences().Apply(ctx, prefs)

	case realtime.EventPreferencesDeleted:
		var prefs []preferences.Preference
		if err := event.Decode("preferences", &prefs); err != nil {
			return err
		}
		return s.preferences().Delete(ctx, prefs)
	}
	return nil
}

// removedUserID reads the removed user from the event, falling back to the
// broadcast target.
func removedUserID(event realtime.Event) string {
	var id string
	if raw, ok := event.Data["user_id"]; ok && json.Unmarshal(raw, &id) == nil && id != "" {
		return id
	}
	return event.Broadcast.UserID
}

// Listen follows the event stream until ctx is done, catching up after every
// reconnect.
func (s *Service) Listen(ctx context.Context, stream *realtime.Client) error {
	return stream.Run(ctx, func(event realtime.Event) {
		if err := s.HandleEvent(ctx, event); err != nil {
			log.Printf("app: handle %s event: %v", event.Event, err)
		}
	}, s.OnReconnect)
}

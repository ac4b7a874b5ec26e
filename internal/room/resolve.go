package room

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/entity"
)

// Resolution is what a wiki tells us about its chat room.
type Resolution struct {
	ServerID string
	RoomID   wikichat.RoomID
	ChatKey  string
}

type siteInfo struct {
	Query struct {
		WikiDesc struct {
			ID entity.ID `json:"id"`
		} `json:"wikidesc"`
	} `json:"query"`
}

type chatInfo struct {
	RoomID  entity.ID `json:"roomId"`
	ChatKey entity.ID `json:"chatkey"`
}

// Resolve looks up the server id, room id and chat key of the wiki
// addressed by d. Both requests carry the session cookie.
func Resolve(ctx context.Context, requester wikichat.Requester, d wikichat.Descriptor) (Resolution, error) {
	wikiURL, err := d.WikiURL()
	if err != nil {
		return Resolution{}, err
	}

	body, err := requester.Do(ctx, wikichat.Request{
		Method: http.MethodGet,
		URL:    wikiURL + "/api.php",
		Query: url.Values{
			"action": {"query"},
			"meta":   {"siteinfo"},
			"siprop": {"wikidesc"},
			"format": {"json"},
		},
		Auth: true,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("fetch wiki info for %s: %w", wikiURL, err)
	}
	var site siteInfo
	if err := json.Unmarshal(body, &site); err != nil {
		return Resolution{}, fmt.Errorf("decode wiki info for %s: %w", wikiURL, err)
	}
	if site.Query.WikiDesc.ID == "" {
		return Resolution{}, fmt.Errorf("wiki info for %s has no server id", wikiURL)
	}

	body, err = requester.Do(ctx, wikichat.Request{
		Method: http.MethodGet,
		URL:    wikiURL + "/wikia.php",
		Query: url.Values{
			"controller": {"Chat"},
			"format":     {"json"},
		},
		Auth: true,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("fetch chat info for %s: %w", wikiURL, err)
	}
	var chat chatInfo
	if err := json.Unmarshal(body, &chat); err != nil {
		return Resolution{}, fmt.Errorf("decode chat info for %s (is chat enabled?): %w", wikiURL, err)
	}
	roomID, ok := wikichat.ParseRoomID(string(chat.RoomID))
	if !ok || chat.ChatKey == "" {
		return Resolution{}, fmt.Errorf("chat info for %s has no room (is chat enabled?)", wikiURL)
	}

	return Resolution{
		ServerID: string(site.Query.WikiDesc.ID),
		RoomID:   roomID,
		ChatKey:  string(chat.ChatKey),
	}, nil
}

func (s *Session) resolve(epoch uint64) {
	res, err := Resolve(s.ctx, s.cfg.Requester, s.descriptor)
	s.post(func() {
		if epoch != s.epoch {
			s.logger.Debug("discarding stale resolution")
			return
		}
		if err != nil {
			s.onResolveFailed(err)
			return
		}
		s.onResolved(res)
	})
}

func (s *Session) onResolved(res Resolution) {
	s.server = res.ServerID
	s.chatKey = res.ChatKey
	s.id.Store(int64(res.RoomID))

	s.setStatus(wikichat.StatusConnecting)
	s.logger.Info("connecting to room", "room_id", res.RoomID, "server_id", res.ServerID)
	go s.dial(s.epoch, s.params())
}

func (s *Session) onResolveFailed(err error) {
	failure := wikichat.Fail(wikichat.ErrResolution, "connect", s.key, err)
	s.logger.Error("could not resolve room", "error", err)

	s.epoch++
	s.setStatus(wikichat.StatusDisconnected)
	s.cfg.Bus.Publish(wikichat.RoomErrorEvent{Key: s.key, Err: failure})

	if s.onResolutionFailure != nil {
		// Removal closes the session, which waits on this loop.
		go s.onResolutionFailure(s, failure)
	}
}

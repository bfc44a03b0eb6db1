package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

// queryPageSize is requested per query; the service may cap it lower and
// signal the remainder with exceededTransferLimit.
const queryPageSize = 2000

// ErrSessionClosed is returned by calls on a closed Session.
var ErrSessionClosed = errors.New("arcgis session closed")

// Session is one authenticated connection to the target layer. It implements
// pipeline.Session.
type Session struct {
	client   *Client
	token    string
	itemID   string
	owner    string
	layerURL string
	expires  time.Time
}

type queryResponse struct {
	ObjectIDFieldName     string        `json:"objectIdFieldName"`
	Features              []wireFeature `json:"features"`
	ExceededTransferLimit bool          `json:"exceededTransferLimit"`
}

// PublishedFeatures reads the layer's current contents. A non-zero since
// limits the read to features sampled on or after since's date.
// Features whose attributes cannot be mapped are logged and skipped.
func (s *Session) PublishedFeatures(ctx context.Context, since time.Time) ([]domain.CanonicalFeature, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	where := "1=1"
	if !since.IsZero() {
		where = fmt.Sprintf("%s >= DATE '%s'", fieldCollectionEnd, since.UTC().Format(time.DateOnly))
	}

	var out []domain.CanonicalFeature
	skipped := 0
	for offset := 0; ; {
		form := url.Values{
			"where":             {where},
			"outFields":         {"*"},
			"returnGeometry":    {"true"},
			"outSR":             {strconv.Itoa(wkidWGS84)},
			"orderByFields":     {fieldObjectID + " ASC"},
			"resultOffset":      {strconv.Itoa(offset)},
			"resultRecordCount": {strconv.Itoa(queryPageSize)},
			"token":             {s.token},
		}
		var resp queryResponse
		if err := s.client.call(ctx, http.MethodPost, s.layerURL+"/query", form, &resp); err != nil {
			return nil, s.wrap("query layer", err)
		}

		idField := resp.ObjectIDFieldName
		if idField == "" {
			idField = fieldObjectID
		}
		for _, w := range resp.Features {
			f, err := fromWire(w, idField)
			if err != nil {
				skipped++
				s.client.logger.Warn("skipping unmappable published feature", "error", err)
				continue
			}
			out = append(out, f)
		}
		offset += len(resp.Features)

		if !resp.ExceededTransferLimit || len(resp.Features) == 0 {
			break
		}
	}

	s.client.logger.Info("read published features", "count", len(out), "skipped", skipped, "where", where)
	return out, nil
}

type groupsResponse struct {
	Admin  []group `json:"admin"`
	Member []group `json:"member"`
	Other  []group `json:"other"`
}

type group struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type shareResponse struct {
	NotSharedWith []string `json:"notSharedWith"`
	ItemID        string   `json:"itemId"`
}

// EnsureShared shares the item with groupID unless it already is.
func (s *Session) EnsureShared(ctx context.Context, groupID string) error {
	if err := s.check(); err != nil {
		return err
	}

	base := s.client.portalURL + "/sharing/rest/content"
	var groups groupsResponse
	if err := s.client.call(ctx, http.MethodGet,
		base+"/items/"+url.PathEscape(s.itemID)+"/groups",
		url.Values{"token": {s.token}}, &groups); err != nil {
		return s.wrap("list item groups", err)
	}
	for _, g := range slices.Concat(groups.Admin, groups.Member, groups.Other) {
		if g.ID == groupID {
			s.client.logger.Debug("item already shared", "group", groupID)
			return nil
		}
	}

	var resp shareResponse
	if err := s.client.call(ctx, http.MethodPost,
		base+"/users/"+url.PathEscape(s.owner)+"/items/"+url.PathEscape(s.itemID)+"/share",
		url.Values{"groups": {groupID}, "token": {s.token}}, &resp); err != nil {
		return s.wrap("share item", err)
	}
	if slices.Contains(resp.NotSharedWith, groupID) {
		return fmt.Errorf("share item: group %s rejected the share", groupID)
	}
	s.client.logger.Info("shared item with group", "group", groupID)
	return nil
}

// Close releases the session. ArcGIS tokens cannot be revoked through the
// REST API, so the token is only forgotten.
func (s *Session) Close() error {
	s.token = ""
	return nil
}

func (s *Session) check() error {
	if s.token == "" {
		return ErrSessionClosed
	}
	return nil
}

// wrap marks token rejections as authentication failures.
func (s *Session) wrap(op string, err error) error {
	if isTokenError(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrAuthenticationFailure, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package xtream

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/utils"
)

const (
	xmltvTimeLayout = "20060102150405 +0000"
	noTitle         = "No Title"
	noCategory      = "No Category"
)

/**
 * Guide returns the XMLTV document for the channels currently live.
 * Rendered text is reused from the EPG cache for its TTL.
 *
 * @param ctx Request context
 * @return XMLTV document including the XML header
 */
func (s *Service) Guide(ctx context.Context) (string, error) {
	host, err := s.HostURL()
	if err != nil {
		return "", err
	}

	if s.EPG != nil {
		if doc, ok := s.EPG.Get(host); ok {
			logger.Debug("{xtream/epg - Guide} Serving cached EPG")
			return doc, nil
		}
	}

	doc, err := s.renderGuide(ctx)
	if err != nil {
		return "", err
	}
	if s.EPG != nil {
		s.EPG.Set(host, doc)
	}
	return doc, nil
}

func (s *Service) renderGuide(ctx context.Context) (string, error) {
	streams, err := s.Catalog.ListLiveStreams(ctx, true)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	start := now.Format(xmltvTimeLayout)
	stop := now.Add(24 * time.Hour).Format(xmltvTimeLayout)

	tv := TV{
		Channels: make([]Channel, 0, len(streams)),
		Programs: make([]Programme, 0, len(streams)),
	}
	for _, ls := range streams {
		id := epgChannelID(ls)
		tv.Channels = append(tv.Channels, Channel{ID: id, DisplayName: utils.TitleCase(ls.LoginName)})

		title := utils.FirstNonEmpty(ls.StreamTitle, noTitle)
		game := utils.FirstNonEmpty(ls.StreamGame, noCategory)
		tv.Programs = append(tv.Programs, Programme{
			Start:    start,
			Stop:     stop,
			Channel:  id,
			Title:    LangText{Lang: "en", Value: title},
			Desc:     LangText{Lang: "en", Value: game},
			Category: LangText{Lang: "en", Value: game},
		})
	}

	out, err := xml.MarshalIndent(tv, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal xmltv: %w", err)
	}

	logger.Info("{xtream/epg - renderGuide} EPG data generated for %d live channels", len(streams))
	return xml.Header + string(out) + "\n", nil
}

package xtream

import "encoding/xml"

// UserInfo is the user_info block of a successful get_user_info answer
type UserInfo struct {
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	Auth           int     `json:"auth"`
	Status         string  `json:"status"`
	ExpDate        *string `json:"exp_date"`
	IsTrial        string  `json:"is_trial"`
	MaxConnections string  `json:"max_connections"`
	CreatedAt      int64   `json:"created_at"`
}

// ServerInfo tells the client how to reach this server
type ServerInfo struct {
	URL            string `json:"url"`
	Port           string `json:"port"`
	HTTPS          int    `json:"https"`
	ServerProtocol string `json:"server_protocol"`
	RTMPPort       string `json:"rtmp_port"`
	Timezone       string `json:"timezone"`
	TimestampNow   int64  `json:"timestamp_now"`
	EPGURL         string `json:"epg_url"`
}

// AuthResponse is returned by get_user_info and the bare endpoint
type AuthResponse struct {
	UserInfo   UserInfo   `json:"user_info"`
	ServerInfo ServerInfo `json:"server_info"`
}

// AuthFailure is the 200 answer for rejected get_user_info calls
type AuthFailure struct {
	UserInfo struct {
		Auth   int    `json:"auth"`
		Status string `json:"status"`
	} `json:"user_info"`
}

// Category is one entry of get_live_categories or get_vod_categories
type Category struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	ParentID     int    `json:"parent_id"`
}

// LiveStream is one entry of get_live_streams
type LiveStream struct {
	Num                int    `json:"num"`
	Name               string `json:"name"`
	StreamType         string `json:"stream_type"`
	StreamID           int64  `json:"stream_id"`
	StreamIcon         string `json:"stream_icon"`
	EPGChannelID       string `json:"epg_channel_id"`
	Added              string `json:"added"`
	CategoryID         string `json:"category_id"`
	CustomSID          string `json:"custom_sid"`
	TVArchive          int    `json:"tv_archive"`
	DirectSource       string `json:"direct_source"`
	ContainerExtension string `json:"container_extension"`
}

// VodStream is one entry of get_vod_streams. StreamID carries the upstream
// VOD id so /movie URLs can be resolved without a catalog round trip.
type VodStream struct {
	Num                int     `json:"num"`
	Name               string  `json:"name"`
	StreamType         string  `json:"stream_type"`
	StreamID           string  `json:"stream_id"`
	StreamIcon         *string `json:"stream_icon"`
	Rating             int     `json:"rating"`
	Rating5Based       int     `json:"rating_5based"`
	Added              string  `json:"added"`
	CategoryID         string  `json:"category_id"`
	ContainerExtension string  `json:"container_extension"`
	CustomSID          string  `json:"custom_sid"`
	DirectSource       string  `json:"direct_source"`
}

// VodInfo is the get_vod_info answer for a known VOD
type VodInfo struct {
	Info      VodDetails   `json:"info"`
	MovieData VodMovieData `json:"movie_data"`
}

// VodDetails is the info block of get_vod_info
type VodDetails struct {
	Name         string `json:"name"`
	MovieImage   string `json:"movie_image"`
	Plot         string `json:"plot"`
	Genre        string `json:"genre"`
	ReleaseDate  string `json:"releasedate"`
	DurationSecs int    `json:"duration_secs"`
}

// VodMovieData is the movie_data block of get_vod_info
type VodMovieData struct {
	StreamID           string `json:"stream_id"`
	Name               string `json:"name"`
	Added              string `json:"added"`
	CategoryID         string `json:"category_id"`
	ContainerExtension string `json:"container_extension"`
}

// emptyVodInfo is what clients expect for an unknown VOD
type emptyVodInfo struct {
	Info      []any `json:"info"`
	MovieData []any `json:"movie_data"`
}

// ActionError is the body for unsupported actions
type ActionError struct {
	Error string `json:"error"`
}

// TV is the XMLTV document root
type TV struct {
	XMLName   xml.Name    `xml:"tv"`
	Generator string      `xml:"generator-info-name,attr,omitempty"`
	Channels  []Channel   `xml:"channel"`
	Programs  []Programme `xml:"programme"`
}

// Channel is an XMLTV channel
type Channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
}

// Programme is an XMLTV programme
type Programme struct {
	Start    string   `xml:"start,attr"`
	Stop     string   `xml:"stop,attr"`
	Channel  string   `xml:"channel,attr"`
	Title    LangText `xml:"title"`
	Desc     LangText `xml:"desc"`
	Category LangText `xml:"category"`
}

// LangText is character data with a lang attribute
type LangText struct {
	Lang  string `xml:"lang,attr,omitempty"`
	Value string `xml:",chardata"`
}

package domain

import "time"

type TitleMention struct {
	Title        string    `json:"title"`
	MentionCount int       `json:"mentionCount"`
	KindHint     MediaKind `json:"kindHint,omitempty"`
	YearHint     int       `json:"yearHint,omitempty"`
}

// CommunityDocument is one piece of community text: a post, comment or search snippet.
type CommunityDocument struct {
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body"`
	URL    string `json:"url,omitempty"`
	Score  int    `json:"score,omitempty"`
}

// Text joins title and body for extraction.
func (d CommunityDocument) Text() string {
	if d.Title == "" {
		return d.Body
	}
	if d.Body == "" {
		return d.Title
	}
	return d.Title + "\n" + d.Body
}

type SourceStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type CommunityContext struct {
	Mentions []TitleMention `json:"mentions"`
	Phrases  []string       `json:"phrases"`
	Sources  []SourceStatus `json:"sources"`
}

type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateSearching SessionState = "searching"
	StateScored    SessionState = "scored"
	StateFailed    SessionState = "failed"
)

// Confidence tells consumers whether the current ordering is interim or final.
type Confidence string

const (
	ConfidenceLocal    Confidence = "local"
	ConfidenceReranked Confidence = "reranked"
)

type RankedCandidate struct {
	Candidate
	RerankScore *float64 `json:"rerankScore,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Rejected    bool     `json:"rejected,omitempty"`
}

type SessionView struct {
	SessionID  string            `json:"sessionId"`
	Prompt     string            `json:"prompt,omitempty"`
	State      SessionState      `json:"state"`
	Error      string            `json:"error,omitempty"`
	Searching  bool              `json:"searching"`
	Reranking  bool              `json:"reranking"`
	Spectrum   Spectrum          `json:"spectrum"`
	Confidence Confidence        `json:"confidence"`
	Filters    Filters           `json:"filters"`
	Intent     Intent            `json:"intent"`
	PoolSize   int               `json:"poolSize"`
	Visible    int               `json:"visible"`
	Items      []RankedCandidate `json:"items"`
	Phrases    []string          `json:"phrases,omitempty"`
	Sources    []SourceStatus    `json:"sources,omitempty"`
	Generation uint64            `json:"generation"`
}

type SearchRecord struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	Prompt     string      `json:"prompt"`
	Candidates []Candidate `json:"candidates"`
	Timestamp  time.Time   `json:"timestamp"`
}

type WatchProvider struct {
	ProviderID int    `json:"providerId"`
	Name       string `json:"name"`
	LogoPath   string `json:"logoPath,omitempty"`
}

type RegionProviders struct {
	Link     string          `json:"link,omitempty"`
	Flatrate []WatchProvider `json:"flatrate,omitempty"`
	Rent     []WatchProvider `json:"rent,omitempty"`
	Buy      []WatchProvider `json:"buy,omitempty"`
}

type ProviderInfo struct {
	Regions map[string]RegionProviders `json:"regions"`
}

package catalog

// Anime is the catalog's full anime record. Field names follow the
// upstream JSON shape.
type Anime struct {
	MalID        int64       `json:"mal_id"`
	Title        string      `json:"title"`
	TitleEnglish *string     `json:"title_english"`
	Images       Images      `json:"images"`
	Synopsis     *string     `json:"synopsis"`
	Score        *float64    `json:"score"`
	ScoredBy     *int64      `json:"scored_by"`
	Episodes     *int        `json:"episodes"`
	Status       string      `json:"status"`
	Rating       *string     `json:"rating"`
	Genres       []GenreRef  `json:"genres"`
	Year         *int        `json:"year"`
	Season       *string     `json:"season"`
	Type         string      `json:"type"`
	Members      int64       `json:"members"`
	Rank         *int        `json:"rank"`
	Popularity   *int        `json:"popularity"`
	Trailer      *Trailer    `json:"trailer"`
}

type Images struct {
	JPG  ImageSet `json:"jpg"`
	WebP ImageSet `json:"webp"`
}

type ImageSet struct {
	ImageURL      string `json:"image_url"`
	LargeImageURL string `json:"large_image_url"`
}

type GenreRef struct {
	MalID int64  `json:"mal_id"`
	Name  string `json:"name"`
}

type Trailer struct {
	YoutubeID *string `json:"youtube_id"`
}

// Genre is one entry of the catalog's genre listing.
type Genre struct {
	MalID int64  `json:"mal_id"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Pagination is the shared pagination block of list responses.
type Pagination struct {
	LastVisiblePage int  `json:"last_visible_page"`
	HasNextPage     bool `json:"has_next_page"`
	CurrentPage     int  `json:"current_page"`
}

// Page is a paginated anime response.
type Page struct {
	Data       []Anime    `json:"data"`
	Pagination Pagination `json:"pagination"`
}

type singleResponse struct {
	Data Anime `json:"data"`
}

type genresResponse struct {
	Data []Genre `json:"data"`
}

package models

// FormListItem is one entry of a server form list.
type FormListItem struct {
	FormID            string
	Name              string
	Version           string
	MajorMinorVersion string
	Description       string
	DownloadURL       string
	ManifestURL       string
	Hash              string
}

// MediaFile is one entry of a form media manifest.
type MediaFile struct {
	Filename    string
	Hash        string
	DownloadURL string
}

// ManifestFile is a parsed media manifest along with the hash of the
// manifest document itself.
type ManifestFile struct {
	Hash       string
	MediaFiles []MediaFile
}

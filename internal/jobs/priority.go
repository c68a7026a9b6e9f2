package jobs

// Fixed priorities per job type. Lower runs first.
const (
	PriorityRemove          = 0
	PriorityScan            = 10
	PriorityCleanDB         = 20
	PriorityImportAlbumItem = 24
	PriorityImportAlbum     = 25
	PriorityClusterFaces    = 30
	PriorityClusterPhotos   = 35
	PriorityIngestPhoto     = 50
	PriorityIngestVideo     = 55
	PriorityAnalysisPhoto   = 90
	PriorityAnalysisVideo   = 95
)

// PriorityFor returns the claim priority of a job of type t. video only
// matters for Ingest and Analysis: cheap photo ingestion runs ahead of video
// ingestion while analysis keeps photos and videos in separate bands.
func PriorityFor(t Type, video bool) int {
	switch t {
	case TypeRemove:
		return PriorityRemove
	case TypeScan:
		return PriorityScan
	case TypeCleanDB:
		return PriorityCleanDB
	case TypeImportAlbumItem:
		return PriorityImportAlbumItem
	case TypeImportAlbum:
		return PriorityImportAlbum
	case TypeClusterFaces:
		return PriorityClusterFaces
	case TypeClusterPhotos:
		return PriorityClusterPhotos
	case TypeIngest:
		if video {
			return PriorityIngestVideo
		}
		return PriorityIngestPhoto
	case TypeAnalysis:
		if video {
			return PriorityAnalysisVideo
		}
		return PriorityAnalysisPhoto
	default:
		return PriorityAnalysisVideo + 5
	}
}

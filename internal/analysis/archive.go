package analysis

import (
	"strconv"

	"killchain-advisor/internal/storage/s3"
)

// ArchiveKind is the S3 key namespace for reports.
const ArchiveKind = "reports"

// ArchiveObject describes r as an S3 archive document. Metadata carries the
// fingerprint so archived reports can be matched without downloading them.
func ArchiveObject(r *Report) s3.ArchiveObject {
	meta := map[string]string{
		"fingerprint": r.Fingerprint,
		"degraded":    strconv.FormatBool(r.Degraded),
	}
	if r.CampaignID != "" {
		meta["campaign"] = r.CampaignID
	}
	return s3.ArchiveObject{
		Kind:        ArchiveKind,
		ID:          r.ID,
		GeneratedAt: r.GeneratedAt,
		Metadata:    meta,
		Payload:     r,
	}
}

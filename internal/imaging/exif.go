package imaging

import (
	"bytes"
	"fmt"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// LocationHint carries the GPS position and capture time found in a
// photo's EXIF block. Field devices geotag every shot, so the hint is
// how a session gets its candidate greenhouse location before any
// operator confirms it.
type LocationHint struct {
	Latitude  float64
	Longitude float64
	HasGPS    bool

	Taken   time.Time
	HasDate bool
}

// ExtractLocationHint reads EXIF metadata from raw photo bytes. Photos
// without EXIF (or without GPS tags) return a hint with HasGPS false
// rather than an error: a missing hint is a normal field condition.
func ExtractLocationHint(data []byte) (*LocationHint, error) {
	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode EXIF metadata: %w", err)
	}

	hint := &LocationHint{}

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		hint.Latitude = gps.Latitude()
		hint.Longitude = gps.Longitude()
		hint.HasGPS = true
	}

	// DateTimeOriginal is the capture moment; CreateDate and ModifyDate
	// are progressively weaker fallbacks.
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		hint.Taken = exifData.DateTimeOriginal()
		hint.HasDate = true
	case !exifData.CreateDate().IsZero():
		hint.Taken = exifData.CreateDate()
		hint.HasDate = true
	case !exifData.ModifyDate().IsZero():
		hint.Taken = exifData.ModifyDate()
		hint.HasDate = true
	}

	log.Debug().
		Bool("hasGps", hint.HasGPS).
		Bool("hasDate", hint.HasDate).
		Msg("EXIF location hint extracted")

	return hint, nil
}

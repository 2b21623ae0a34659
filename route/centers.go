package route

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nevindra/agos"
)

// LoadCenters reads evacuation centers from a CSV file with the header
// name,lat,lon,capacity,type. Blank lines and malformed rows are
// skipped; a file with no valid rows is an error.
func LoadCenters(path string) ([]agos.EvacCenterInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open centers: %w", err)
	}
	defer f.Close()
	return parseCenters(f)
}

func parseCenters(r io.Reader) ([]agos.EvacCenterInfo, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var centers []agos.EvacCenterInfo
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse centers: %w", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "name") {
				continue // header row
			}
		}
		if len(rec) < 3 {
			continue
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		c := agos.EvacCenterInfo{Name: strings.TrimSpace(rec[0]), Lat: lat, Lon: lon}
		if len(rec) > 3 {
			c.Capacity, _ = strconv.Atoi(strings.TrimSpace(rec[3]))
		}
		if len(rec) > 4 {
			c.Type = strings.TrimSpace(rec[4])
		}
		centers = append(centers, c)
	}
	if len(centers) == 0 {
		return nil, fmt.Errorf("parse centers: no valid rows")
	}
	return centers, nil
}

// SampleCenters returns the city's well-known evacuation centers, used
// when no centers file is configured.
func SampleCenters() []agos.EvacCenterInfo {
	return []agos.EvacCenterInfo{
		{Name: "Marikina Sports Center", Lat: 14.6387, Lon: 121.0974, Capacity: 5000, Type: "stadium"},
		{Name: "Barangay Nangka Covered Court", Lat: 14.6743, Lon: 121.1098, Capacity: 800, Type: "covered_court"},
		{Name: "Concepcion Elementary School", Lat: 14.6519, Lon: 121.1086, Capacity: 1200, Type: "school"},
		{Name: "Parang High School", Lat: 14.6611, Lon: 121.1187, Capacity: 1500, Type: "school"},
		{Name: "Malanday Covered Court", Lat: 14.6642, Lon: 121.0951, Capacity: 600, Type: "covered_court"},
	}
}

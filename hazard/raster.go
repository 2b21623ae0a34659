package hazard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nevindra/agos"
)

// gridFile is the on-disk raster layer format: a uniform lat/lon grid
// of flood depths in meters, row-major from the south-west corner.
// Exported from hazard-map GeoTIFFs by offline tooling.
type gridFile struct {
	MinLat  float64   `json:"min_lat"`
	MinLon  float64   `json:"min_lon"`
	CellDeg float64   `json:"cell_deg"`
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Depths  []float64 `json:"depths"`
}

// GridRaster is a file-backed ScenarioRaster. Each scenario layer lives
// at <dir>/<return_period>_t<time_step>.json; SetScenario swaps the
// active layer. Loaded layers are cached.
type GridRaster struct {
	dir string

	mu     sync.RWMutex
	active *gridFile
	cache  map[string]*gridFile
}

var _ ScenarioRaster = (*GridRaster)(nil)

// NewGridRaster opens a raster layer directory. No layer is active
// until SetScenario selects one; until then DepthAt reports no
// coverage everywhere.
func NewGridRaster(dir string) (*GridRaster, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &agos.ErrGeo{Message: fmt.Sprintf("raster dir: %v", err)}
	}
	if !info.IsDir() {
		return nil, &agos.ErrGeo{Message: dir + " is not a directory"}
	}
	return &GridRaster{dir: dir, cache: make(map[string]*gridFile)}, nil
}

// SetScenario loads and activates one scenario layer.
func (g *GridRaster) SetScenario(returnPeriod string, timeStep int) error {
	name := fmt.Sprintf("%s_t%d.json", returnPeriod, timeStep)

	g.mu.Lock()
	defer g.mu.Unlock()
	if layer, ok := g.cache[name]; ok {
		g.active = layer
		return nil
	}
	layer, err := loadGrid(filepath.Join(g.dir, name))
	if err != nil {
		return err
	}
	g.cache[name] = layer
	g.active = layer
	return nil
}

// DepthAt samples the active layer. No coverage outside the grid
// bounds or before a scenario is selected.
func (g *GridRaster) DepthAt(lat, lon float64) (float64, bool) {
	g.mu.RLock()
	layer := g.active
	g.mu.RUnlock()
	if layer == nil {
		return 0, false
	}
	row := int((lat - layer.MinLat) / layer.CellDeg)
	col := int((lon - layer.MinLon) / layer.CellDeg)
	if lat < layer.MinLat || lon < layer.MinLon || row >= layer.Rows || col >= layer.Cols {
		return 0, false
	}
	return layer.Depths[row*layer.Cols+col], true
}

func loadGrid(path string) (*gridFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &agos.ErrGeo{Message: fmt.Sprintf("read raster layer: %v", err)}
	}
	var gf gridFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return nil, &agos.ErrGeo{Message: fmt.Sprintf(
			"parse raster layer %s: %v", filepath.Base(path), err)}
	}
	if gf.Rows <= 0 || gf.Cols <= 0 || gf.CellDeg <= 0 {
		return nil, &agos.ErrGeo{Message: filepath.Base(path) + ": bad grid dimensions"}
	}
	if len(gf.Depths) != gf.Rows*gf.Cols {
		return nil, &agos.ErrGeo{Message: fmt.Sprintf(
			"%s: %d depth cells, want %d", filepath.Base(path), len(gf.Depths), gf.Rows*gf.Cols)}
	}
	return &gf, nil
}

package sim

// Request is a simulation submission, shared by both simulators. Electrode
// fields are per-electrode arrays aligned with the recipe's montage order;
// missing entries are filled by Normalize.
type Request struct {
	SessionID string      `json:"session_id"`
	Model     string      `json:"model_name"`
	Recipe    []any       `json:"recipe"`
	ElecType  []string    `json:"electrode_type"`
	ElecSize  [][]float64 `json:"electrode_size"`
	ElecOri   []string    `json:"electrode_ori"`
}

// Normalize fills montage defaults and pads the electrode arrays to one
// entry per recipe electrode.
func (r *Request) Normalize() {
	if r.Model == "" {
		r.Model = "dominopp"
	}
	if len(r.Recipe) == 0 {
		r.Recipe = append([]any(nil), DefaultRecipe...)
	}
	n := len(r.Recipe) / 2
	if n < 1 {
		n = 1
	}
	for len(r.ElecType) < n {
		r.ElecType = append(r.ElecType, "pad")
	}
	for i := len(r.ElecSize); i < n; i++ {
		if r.ElecType[i] == "ring" {
			r.ElecSize = append(r.ElecSize, []float64{40, 40})
		} else {
			r.ElecSize = append(r.ElecSize, []float64{70, 50, 3})
		}
	}
	for len(r.ElecOri) < n {
		r.ElecOri = append(r.ElecOri, "lr")
	}
}

// MeshOptions are the iso2mesh controls handed to the ROAST launcher.
type MeshOptions struct {
	RadBound  float64 `json:"radbound"`
	AngBound  float64 `json:"angbound"`
	DistBound float64 `json:"distbound"`
	ReRatio   float64 `json:"reratio"`
	MaxVol    float64 `json:"maxvol"`
}

// DefaultMeshOptions returns the mesh controls every run uses.
func DefaultMeshOptions() MeshOptions {
	return MeshOptions{RadBound: 5, AngBound: 30, DistBound: 0.3, ReRatio: 3, MaxVol: 10}
}

// RoastConfig is the config.json consumed by the compiled ROAST runner. The
// field names follow what roast_run.m reads, not the HTTP payload.
type RoastConfig struct {
	T1Path        string      `json:"t1_path"`
	Recipe        []any       `json:"recipe"`
	ElecType      []string    `json:"electype"`
	ElecSize      [][]float64 `json:"elecsize"`
	ElecOri       []string    `json:"elecori"`
	MeshOptions   MeshOptions `json:"meshoptions"`
	SimulationTag string      `json:"simulationtag"`
}

// FEMElectrode is one electrode in the solver spec. Currents are amperes.
type FEMElectrode struct {
	Name       string    `json:"name"`
	CurrentA   float64   `json:"current_a"`
	Shape      string    `json:"shape"`
	Dimensions []float64 `json:"dimensions"`
	Thickness  []float64 `json:"thickness"`
	Sponge     []float64 `json:"sponge,omitempty"`
}

// FEMSpec is the fem.json handed to the SimNIBS solver wrapper.
type FEMSpec struct {
	MeshPath   string         `json:"mesh_path"`
	OutputDir  string         `json:"output_dir"`
	Electrodes []FEMElectrode `json:"electrodes"`
}

// BuildElectrodes turns a request montage into solver electrodes. Pad
// montages become rectangles, ring montages become sponge-backed ellipses;
// request currents are milliamperes, the solver takes amperes.
func BuildElectrodes(req Request) ([]FEMElectrode, error) {
	pairs, err := Pairs(req.Recipe)
	if err != nil {
		return nil, err
	}
	out := make([]FEMElectrode, 0, len(pairs))
	for i, p := range pairs {
		el := FEMElectrode{
			Name:      p.Name,
			CurrentA:  p.CurrentMA / 1000,
			Thickness: []float64{3, 3},
		}
		if electrodeAt(req.ElecType, i) == "ring" {
			el.Shape = "ellipse"
			el.Dimensions = []float64{40, 40}
			el.Sponge = []float64{70, 70}
		} else {
			el.Shape = "rect"
			el.Dimensions = []float64{70, 50}
		}
		if i < len(req.ElecSize) && len(req.ElecSize[i]) >= 2 {
			el.Dimensions = []float64{req.ElecSize[i][0], req.ElecSize[i][1]}
		}
		out = append(out, el)
	}
	return out, nil
}

func electrodeAt(types []string, i int) string {
	if i < len(types) {
		return types[i]
	}
	return "pad"
}

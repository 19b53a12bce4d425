package canvas

// Node is a single media element on the shared canvas.
type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	Rotation   float64           `json:"rotation"`
	MediaURL   string            `json:"mediaUrl,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedBy  string            `json:"createdBy,omitempty"`
}

// Viewport is the shared camera over the canvas. It is advisory state:
// clients render their own viewport and only persist the last shared one.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

func cloneNode(n Node) Node {
	out := n
	if n.Properties != nil {
		props := make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			props[k] = v
		}
		out.Properties = props
	}
	return out
}

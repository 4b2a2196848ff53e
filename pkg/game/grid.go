package game

import (
	"sort"

	"pixelwar/pkg/types"
)

type pixel struct {
	owner types.Account
	owned bool
	price uint64
	color uint32
}

// grid is the sparse field. Rows are keyed by y and created on first write;
// an absent cell is unowned, priced at startPrice, colour 0.
type grid struct {
	width, height uint32
	startPrice    uint64
	rows          map[uint32]map[uint32]pixel
}

func newGrid(cfg Config) *grid {
	return &grid{
		width:      cfg.Width,
		height:     cfg.Height,
		startPrice: cfg.StartPrice,
		rows:       make(map[uint32]map[uint32]pixel),
	}
}

func (g *grid) inBounds(x, y uint32) bool {
	return x < g.width && y < g.height
}

// lookup returns the stored cell, or the implicit default with ok=false.
func (g *grid) lookup(x, y uint32) (p pixel, ok bool) {
	if row, found := g.rows[y]; found {
		if p, ok = row[x]; ok {
			return p, true
		}
	}
	return pixel{price: g.startPrice}, false
}

func (g *grid) put(x, y uint32, p pixel) {
	row, found := g.rows[y]
	if !found {
		row = make(map[uint32]pixel)
		g.rows[y] = row
	}
	row[x] = p
}

func (g *grid) row(y uint32) []types.CellView {
	row := g.rows[y]
	out := make([]types.CellView, 0, len(row))
	for x, p := range row {
		out = append(out, view(x, y, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].X < out[j].X })
	return out
}

func (g *grid) each(fn func(x, y uint32, p pixel)) {
	for y, row := range g.rows {
		for x, p := range row {
			fn(x, y, p)
		}
	}
}

func (g *grid) len() int {
	n := 0
	for _, row := range g.rows {
		n += len(row)
	}
	return n
}

func view(x, y uint32, p pixel) types.CellView {
	v := types.CellView{X: x, Y: y, Price: p.price, Color: p.color}
	if p.owned {
		owner := p.owner
		v.Owner = &owner
	}
	return v
}

package diffusion

import "gonum.org/v1/gonum/mat"

// EmbeddingTable wraps the [A+1, E_asset] asset embedding parameter; row
// A (the last row) is the reserved UNKNOWN embedding.
type EmbeddingTable struct {
	Table *mat.Dense
}

// Lookup returns a copy of the embedding row for row (column vector,
// shape E_asset x 1).
func (t *EmbeddingTable) Lookup(row int) *mat.Dense {
	_, cols := t.Table.Dims()
	out := mat.NewDense(cols, 1, nil)
	for j := 0; j < cols; j++ {
		out.Set(j, 0, t.Table.At(row, j))
	}
	return out
}

// AccumulateGradient adds dEmbed (shape E_asset x 1) into the gradient
// table at row, for use by the trainer's parameter update step. grad
// must have the same shape as Table.
func (t *EmbeddingTable) AccumulateGradient(grad *mat.Dense, row int, dEmbed *mat.Dense) {
	_, cols := grad.Dims()
	for j := 0; j < cols; j++ {
		grad.Set(row, j, grad.At(row, j)+dEmbed.At(j, 0))
	}
}

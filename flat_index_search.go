package telos

// search scores every eligible stored vector against the projected query.
func (idx *FlatIndex) search(p *searchParams) ([]IndexHit, error) {
	query, err := idx.project(p.query)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	top := newTopK(p.k)
	score := func(id uint32, stored any) error {
		v, err := idx.quantizer.Dequantize(stored)
		if err != nil {
			return err
		}
		s := idx.distance.Similarity(idx.distance.Calculate(query, v))
		if p.keep(s) {
			top.push(IndexHit{DocID: id, Score: s})
		}
		return nil
	}

	if p.filter != nil && p.filter.Count() < uint64(len(idx.vectors)) {
		var ferr error
		p.filter.ForEach(func(id uint32) {
			if stored, ok := idx.vectors[id]; ok && ferr == nil {
				ferr = score(id, stored)
			}
		})
		if ferr != nil {
			return nil, ferr
		}
		return top.sorted(), nil
	}

	for id, stored := range idx.vectors {
		if p.filter.ShouldSkip(id) {
			continue
		}
		if err := score(id, stored); err != nil {
			return nil, err
		}
	}
	return top.sorted(), nil
}

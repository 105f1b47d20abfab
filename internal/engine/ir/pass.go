package ir

// Simplify threads jumps through blocks holding nothing but a jump and removes blocks without predecessors. Block
// IDs are preserved.
func Simplify(fn *Function) {
	passJumpThreading(fn)
	passDeadBlockElimination(fn)
	fn.calculatePredecessors()
}

func passJumpThreading(fn *Function) {
	entry := fn.Entry().ID
	forward := make(map[BlockID]BlockID, len(fn.Blocks))
	for _, blk := range fn.Blocks {
		if blk.ID != entry && !blk.LoopHeader && len(blk.Instrs) == 1 && blk.Instrs[0].Op == OpcodeJump {
			forward[blk.ID] = blk.Instrs[0].Target
		}
	}
	// A cycle of empty blocks is left as is.
	resolve := func(id BlockID) BlockID {
		seen := map[BlockID]bool{}
		for cur := id; ; {
			next, ok := forward[cur]
			if !ok {
				return cur
			}
			if seen[cur] {
				return id
			}
			seen[cur] = true
			cur = next
		}
	}
	for _, blk := range fn.Blocks {
		term := blk.Terminator()
		if term == nil {
			continue
		}
		switch term.Op {
		case OpcodeJump:
			term.Target = resolve(term.Target)
		case OpcodeBrIf:
			term.Target, term.Else = resolve(term.Target), resolve(term.Else)
		case OpcodeBrTable:
			for i := range term.Targets {
				term.Targets[i] = resolve(term.Targets[i])
			}
		}
	}
}

func passDeadBlockElimination(fn *Function) {
	reachable := make(map[BlockID]bool, len(fn.Blocks))
	stack := []BlockID{fn.Entry().ID}
	var succs []BlockID
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		blk := fn.Block(id)
		if blk == nil {
			continue
		}
		if term := blk.Terminator(); term != nil {
			succs = term.Succs(succs[:0])
			stack = append(stack, succs...)
		}
	}
	live := fn.Blocks[:0]
	for _, blk := range fn.Blocks {
		if reachable[blk.ID] {
			live = append(live, blk)
		}
	}
	fn.Blocks = live
}

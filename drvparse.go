package castore

import (
	"fmt"
	"strconv"
)

// DecodeDerivation parses the canonical term format produced by
// EncodeDerivation. It is a small recursive-descent parser over the fixed
// Derive(outputs, inputDrvs, inputSrcs, platform, builder, args, env) grammar;
// no other term shapes are accepted.
func DecodeDerivation(s string) (Derivation, error) {
	p := &drvParser{s: s}
	d, err := p.parseDerive()
	if err != nil {
		return Derivation{}, UsageError("malformed derivation: "+err.Error(), s)
	}
	if !p.atEnd() {
		return Derivation{}, UsageError("trailing data after derivation term", s)
	}
	return d, nil
}

type drvParser struct {
	s   string
	pos int
}

func (p *drvParser) atEnd() bool { return p.pos >= len(p.s) }

func (p *drvParser) expect(b byte) error {
	if p.atEnd() || p.s[p.pos] != b {
		return fmt.Errorf("expected %q at position %d", b, p.pos)
	}
	p.pos++
	return nil
}

func (p *drvParser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.s[p.pos]
}

func (p *drvParser) parseDerive() (Derivation, error) {
	for _, tok := range "Derive(" {
		if err := p.expect(byte(tok)); err != nil {
			return Derivation{}, err
		}
	}

	d := Derivation{
		Outputs:   make(map[string]Output),
		InputDrvs: make(map[StorePath]map[string]bool),
		InputSrcs: make(map[StorePath]bool),
		Env:       make(map[string]string),
	}

	outputs, err := p.parseList(func() (any, error) { return p.parseOutputTuple() })
	if err != nil {
		return d, err
	}
	for _, o := range outputs {
		out := o.(Output)
		d.Outputs[out.Name] = out
	}
	if err := p.expect(','); err != nil {
		return d, err
	}

	inputDrvs, err := p.parseList(func() (any, error) { return p.parseInputDrvTuple() })
	if err != nil {
		return d, err
	}
	for _, item := range inputDrvs {
		pair := item.([2]any)
		path := StorePath(pair[0].(string))
		outs := pair[1].([]string)
		set := make(map[string]bool, len(outs))
		for _, o := range outs {
			set[o] = true
		}
		d.InputDrvs[path] = set
	}
	if err := p.expect(','); err != nil {
		return d, err
	}

	inputSrcs, err := p.parseList(func() (any, error) { return p.parseStringLiteral() })
	if err != nil {
		return d, err
	}
	for _, s := range inputSrcs {
		d.InputSrcs[StorePath(s.(string))] = true
	}
	if err := p.expect(','); err != nil {
		return d, err
	}

	platform, err := p.parseStringLiteral()
	if err != nil {
		return d, err
	}
	d.Platform = platform.(string)
	if err := p.expect(','); err != nil {
		return d, err
	}

	builder, err := p.parseStringLiteral()
	if err != nil {
		return d, err
	}
	d.Builder = builder.(string)
	if err := p.expect(','); err != nil {
		return d, err
	}

	args, err := p.parseList(func() (any, error) { return p.parseStringLiteral() })
	if err != nil {
		return d, err
	}
	for _, a := range args {
		d.Args = append(d.Args, a.(string))
	}
	if err := p.expect(','); err != nil {
		return d, err
	}

	envPairs, err := p.parseList(func() (any, error) { return p.parseKeyValueTuple() })
	if err != nil {
		return d, err
	}
	for _, kv := range envPairs {
		pair := kv.([2]string)
		d.Env[pair[0]] = pair[1]
	}

	if err := p.expect(')'); err != nil {
		return d, err
	}
	return d, nil
}

func (p *drvParser) parseList(parseItem func() (any, error)) ([]any, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var items []any
	for p.peek() != ']' {
		item, err := parseItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.peek() == ',' {
			p.pos++
		}
	}
	if err := p.expect(']'); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *drvParser) parseStringLiteral() (any, error) {
	start := p.pos
	if err := p.expect('"'); err != nil {
		return nil, err
	}
	for !p.atEnd() {
		if p.s[p.pos] == '\\' {
			p.pos += 2
			continue
		}
		if p.s[p.pos] == '"' {
			p.pos++
			unquoted, err := strconv.Unquote(p.s[start:p.pos])
			if err != nil {
				return nil, err
			}
			return unquoted, nil
		}
		p.pos++
	}
	return nil, fmt.Errorf("unterminated string literal starting at %d", start)
}

func (p *drvParser) parseOutputTuple() (any, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	name, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	path, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	hashAlgo, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	hash, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return Output{
		Name:     name.(string),
		Path:     StorePath(path.(string)),
		HashAlgo: hashAlgo.(string),
		Hash:     hash.(string),
	}, nil
}

func (p *drvParser) parseInputDrvTuple() (any, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	path, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	outs, err := p.parseList(func() (any, error) { return p.parseStringLiteral() })
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	outStrs := make([]string, len(outs))
	for i, o := range outs {
		outStrs[i] = o.(string)
	}
	return [2]any{path, outStrs}, nil
}

func (p *drvParser) parseKeyValueTuple() (any, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	k, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	v, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return [2]string{k.(string), v.(string)}, nil
}

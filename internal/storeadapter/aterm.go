package storeadapter

import (
	"fmt"
)

// parseDerivation parses the ATerm encoding of a .drv file:
//
//	Derive([("out","/store/…","","")],[("/store/dep.drv",["out"])],
//	       ["/store/src"],"system","/store/bash/bin/bash",["-e","…"],
//	       [("ENV","VAL"), …])
//
// This is a small recursive-descent parser over the subset of ATerm the
// store tool emits for derivations: quoted strings, lists, and tuples of
// exactly the shapes above. It tolerates trailing whitespace/newlines and
// unknown leading constructor names other than "Derive" by still trying
// to parse the argument list that follows, per §6's tolerance requirement.
type atermParser struct {
	data []byte
	pos  int
}

func parseDerivation(data []byte) (*Derivation, error) {
	p := &atermParser{data: data}
	p.skipWhitespace()
	if !p.consumeIdent() {
		return nil, fmt.Errorf("expected constructor name at offset %d", p.pos)
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}

	outputs, err := p.parseOutputs()
	if err != nil {
		return nil, fmt.Errorf("parsing outputs: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	inputDrvs, err := p.parseInputDerivations()
	if err != nil {
		return nil, fmt.Errorf("parsing input derivations: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	inputSrcs, err := p.parseStringList()
	if err != nil {
		return nil, fmt.Errorf("parsing input sources: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	if _, err := p.parseString(); err != nil { // system
		return nil, fmt.Errorf("parsing system: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	if _, err := p.parseString(); err != nil { // builder
		return nil, fmt.Errorf("parsing builder: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	if _, err := p.parseStringList(); err != nil { // args
		return nil, fmt.Errorf("parsing args: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	env, err := p.parseEnv()
	if err != nil {
		return nil, fmt.Errorf("parsing env: %w", err)
	}
	if err := p.expect(')'); err != nil {
		return nil, fmt.Errorf("closing Derive(...): %w", err)
	}

	result := &Derivation{
		Outputs:          outputs,
		InputDerivations: inputDrvs,
		InputSources:     inputSrcs,
		Env:              env,
	}
	return result, nil
}

func (p *atermParser) skipWhitespace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *atermParser) consumeIdent() bool {
	start := p.pos
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' {
			p.pos++
			continue
		}
		break
	}
	return p.pos > start
}

func (p *atermParser) expect(b byte) error {
	p.skipWhitespace()
	if p.pos >= len(p.data) || p.data[p.pos] != b {
		return fmt.Errorf("expected %q at offset %d", b, p.pos)
	}
	p.pos++
	return nil
}

func (p *atermParser) peek() (byte, bool) {
	p.skipWhitespace()
	if p.pos >= len(p.data) {
		return 0, false
	}
	return p.data[p.pos], true
}

// parseString parses a double-quoted ATerm string, unescaping \", \\, \n,
// \r, \t.
func (p *atermParser) parseString() (string, error) {
	if err := p.expect('"'); err != nil {
		return "", err
	}
	var out []byte
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if c == '"' {
			p.pos++
			return string(out), nil
		}
		if c == '\\' && p.pos+1 < len(p.data) {
			p.pos++
			switch p.data[p.pos] {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			default:
				out = append(out, p.data[p.pos])
			}
			p.pos++
			continue
		}
		out = append(out, c)
		p.pos++
	}
	return "", fmt.Errorf("unterminated string starting near offset %d", p.pos)
}

func (p *atermParser) parseStringList() ([]StorePath, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var out []StorePath
	for {
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated list")
		}
		if c == ']' {
			p.pos++
			return out, nil
		}
		if len(out) > 0 {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		s, err := p.parseString()
		if err != nil {
			return nil, err
		}
		out = append(out, StorePath(s))
	}
}

func (p *atermParser) parsePlainStringList() ([]string, error) {
	paths, err := p.parseStringList()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out, nil
}

// parseOutputs parses [("name","path","hashAlgo","hash"), …].
func (p *atermParser) parseOutputs() (map[string]StorePath, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	out := make(map[string]StorePath)
	first := true
	for {
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated outputs list")
		}
		if c == ']' {
			p.pos++
			return out, nil
		}
		if !first {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		first = false
		if err := p.expect('('); err != nil {
			return nil, err
		}
		name, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		path, err := p.parseString()
		if err != nil {
			return nil, err
		}
		// Remaining fields (hash algorithm, hash) are skipped: not
		// needed to locate outputs on disk.
		for {
			cc, ok := p.peek()
			if !ok {
				return nil, fmt.Errorf("unterminated output tuple")
			}
			if cc == ')' {
				p.pos++
				break
			}
			if err := p.expect(','); err != nil {
				return nil, err
			}
			if _, err := p.parseString(); err != nil {
				return nil, err
			}
		}
		if path != "" {
			out[name] = StorePath(path)
		}
	}
}

// parseInputDerivations parses [("/store/dep.drv",["out","debug"]), …].
func (p *atermParser) parseInputDerivations() (map[StorePath][]string, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	out := make(map[StorePath][]string)
	first := true
	for {
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated input-derivations list")
		}
		if c == ']' {
			p.pos++
			return out, nil
		}
		if !first {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		first = false
		if err := p.expect('('); err != nil {
			return nil, err
		}
		drv, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		outputNames, err := p.parsePlainStringList()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		out[StorePath(drv)] = outputNames
	}
}

// parseEnv parses [("NAME","VALUE"), …].
func (p *atermParser) parseEnv() (map[string]string, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	first := true
	for {
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated env list")
		}
		if c == ']' {
			p.pos++
			return out, nil
		}
		if !first {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		first = false
		if err := p.expect('('); err != nil {
			return nil, err
		}
		name, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		value, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		out[name] = value
	}
}

// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package ops

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlnoga/falsecolor/internal/config"
	"github.com/mlnoga/falsecolor/internal/postproc"
	"github.com/mlnoga/falsecolor/internal/volume"
)

func testContext(log *bytes.Buffer) *Context {
	s:=config.DefaultSettings()
	s.Nuclei.Background, s.Cyto.Background=50, 50
	s.Processing.MaxThreads=2
	return NewContext(log, s)
}

func writePlane(t *testing.T, fileName string, rows, cols int, v float32) {
	t.Helper()
	p:=volume.NewPlane(rows, cols)
	for i:=range p.Data { p.Data[i]=v+float32(i%7) }
	if err:=volume.WritePlaneTIFF16(fileName, p); err!=nil {
		t.Fatalf("writing %s: %s", fileName, err)
	}
}

func TestRemoveNils(t *testing.T) {
	a, b:=&Frame{ID: 1}, &Frame{ID: 2}
	res:=RemoveNils([]*Frame{nil, a, nil, b, nil})
	if len(res)!=2 || res[0]!=a || res[1]!=b {
		t.Errorf("got %v; want [a b]", res)
	}
}

func TestMaterializeAll(t *testing.T) {
	ins:=[]Promise{
		func() (*Frame, error) { return &Frame{ID: 0}, nil },
		func() (*Frame, error) { return nil, errors.New("first") },
		func() (*Frame, error) { return &Frame{ID: 2}, nil },
		func() (*Frame, error) { return nil, errors.New("second") },
	}
	outs, err:=MaterializeAll(ins, 2, false)
	if err==nil || !strings.Contains(err.Error(), "first") || !strings.Contains(err.Error(), "; ") {
		t.Errorf("got error %v; want both errors joined", err)
	}
	if len(outs)!=2 || outs[0].ID!=0 || outs[1].ID!=2 {
		t.Errorf("got %v; want frames 0 and 2", outs)
	}

	outs, err=MaterializeAll(ins[:1], 1, true)
	if err!=nil || len(outs)!=0 {
		t.Errorf("forget: got %v, %v; want no frames and no error", outs, err)
	}
}

func TestIsPathAllowed(t *testing.T) {
	for _,tc:=range []struct{ path string; want bool }{
		{"a.tif", true},
		{"dir/a.tif", true},
		{"/etc/passwd", false},
		{"../a.tif", false},
		{"dir/../../a.tif", false},
	} {
		if got:=isPathAllowed(tc.path); got!=tc.want {
			t.Errorf("isPathAllowed(%s) got %v; want %v", tc.path, got, tc.want)
		}
	}
}

func TestSandboxRejectsAbsolutePaths(t *testing.T) {
	c:=testContext(&bytes.Buffer{})
	c.Sandboxed=true
	if _, err:=NewOpLoadPair(0, "/tmp/n.tif", "c.tif").MakePromises(nil, c); err==nil {
		t.Errorf("sandboxed load of absolute path succeeded")
	}
	c.Sandboxed=false
	if _, err:=NewOpLoadPair(0, "/tmp/n.tif", "c.tif").MakePromises(nil, c); err!=nil {
		t.Errorf("unsandboxed load failed: %s", err)
	}
}

func TestSequenceJSON(t *testing.T) {
	seq:=NewOpColorPairs("n/*.tif", "c/*.tif", nil, 0.5, true, "out/%d.jpg")
	raw, err:=json.Marshal(seq)
	if err!=nil { t.Fatal(err) }

	var back OpSequence
	if err:=json.Unmarshal(raw, &back); err!=nil { t.Fatalf("unmarshal %s: %s", raw, err) }
	if len(back.Steps)!=2 {
		t.Fatalf("got %d steps; want 2", len(back.Steps))
	}
	if lp, ok:=back.Steps[0].(*OpLoadPairs); !ok || lp.NucleiPattern!="n/*.tif" || lp.CytoPattern!="c/*.tif" {
		t.Errorf("got first step %#v; want loadPairs", back.Steps[0])
	}
	fe, ok:=back.Steps[1].(*OpForEach)
	if !ok { t.Fatalf("got second step %T; want forEach", back.Steps[1]) }
	inner, ok:=fe.Operation.(*OpSequence)
	if !ok || len(inner.Steps)!=4 { t.Fatalf("got inner operation %#v; want 4-step sequence", fe.Operation) }

	types:=[]string{"falseColor", "sharpen", "maskEmpty", "save"}
	for i,step:=range inner.Steps {
		if step.GetType()!=types[i] { t.Errorf("step %d got %s; want %s", i, step.GetType(), types[i]) }
	}
	if sh:=inner.Steps[1].(*OpSharpen); sh.Alpha!=0.5 || sh.OpUnaryBase.Apply==nil {
		t.Errorf("got sharpen %#v; want alpha 0.5 with bound apply", sh)
	}
	if me:=inner.Steps[2].(*OpMaskEmpty); !me.Blank || me.MinSize!=150 {
		t.Errorf("got maskEmpty %#v; want blank with min size 150", me)
	}

	again, err:=json.Marshal(&back)
	if err!=nil { t.Fatal(err) }
	if !bytes.Equal(raw, again) {
		t.Errorf("got %s; want %s", again, raw)
	}
}

func TestUnmarshalUnknownOperator(t *testing.T) {
	var seq OpSequence
	err:=json.Unmarshal([]byte(`{"type":"seq","active":true,"steps":[{"type":"stack"}]}`), &seq)
	if err==nil || !strings.Contains(err.Error(), "Unknown operator type 'stack'") {
		t.Errorf("got %v; want unknown operator error", err)
	}
}

func TestOperatorTypes(t *testing.T) {
	got:=strings.Join(OperatorTypes(), ",")
	want:="deconvolve,falseColor,forEach,loadPair,loadPairs,maskEmpty,save,segmentNuclei,seq,sharpen"
	if got!=want {
		t.Errorf("got %s; want %s", got, want)
	}
}

func TestColorPairs(t *testing.T) {
	dir:=t.TempDir()
	for _,d:=range []string{"nuc", "cyto", "out"} {
		if err:=os.Mkdir(filepath.Join(dir, d), 0755); err!=nil { t.Fatal(err) }
	}
	for i:=0; i<3; i++ {
		name:=string(rune('a'+i))+".tif"
		writePlane(t, filepath.Join(dir, "nuc", name), 12, 10, 1000)
		writePlane(t, filepath.Join(dir, "cyto", name), 12, 10, 500)
	}

	log:=&bytes.Buffer{}
	c:=testContext(log)
	seq:=NewOpColorPairs(filepath.Join(dir, "nuc", "*.tif"), filepath.Join(dir, "cyto", "*.tif"),
	                     nil, 0, false, filepath.Join(dir, "out", "%d.tif"))
	promises, err:=seq.MakePromises(nil, c)
	if err!=nil { t.Fatal(err) }
	frames, err:=MaterializeAll(promises, c.MaxThreads, false)
	if err!=nil { t.Fatal(err) }
	if len(frames)!=3 { t.Fatalf("got %d frames; want 3", len(frames)) }

	for _,f:=range frames {
		if f.RGB==nil || f.Mask==nil { t.Errorf("%d: got frame without RGB or mask", f.ID) }
		rgb, err:=volume.ReadRGBTIFF(filepath.Join(dir, "out", string(rune('0'+f.ID))+".tif"))
		if err!=nil { t.Errorf("%d: %s", f.ID, err); continue }
		if !bytes.Equal(rgb.Pix, f.RGB.Pix) { t.Errorf("%d: saved image differs from frame", f.ID) }
	}
	if !strings.Contains(log.String(), "Found 3 pairs") {
		t.Errorf("got log %s; want pair count", log.String())
	}
}

func TestLoadPairsMismatch(t *testing.T) {
	dir:=t.TempDir()
	writePlane(t, filepath.Join(dir, "n0.tif"), 4, 4, 100)
	writePlane(t, filepath.Join(dir, "n1.tif"), 4, 4, 100)
	writePlane(t, filepath.Join(dir, "c0.tif"), 4, 4, 100)
	_, err:=NewOpLoadPairs(filepath.Join(dir, "n*.tif"), filepath.Join(dir, "c*.tif")).MakePromises(nil, testContext(&bytes.Buffer{}))
	if err==nil { t.Errorf("mismatched pair counts accepted") }
}

func TestSaveParts(t *testing.T) {
	dir:=t.TempDir()
	c:=testContext(&bytes.Buffer{})
	f:=&Frame{ID: 4, RGB: volume.NewRGB(4, 6, 5)}
	for i:=range f.RGB.Pix { f.RGB.Pix[i]=uint8(40*(i%3)+60) }

	if _, err:=NewOpSave(filepath.Join(dir, "m%d.tif"), "mask").Apply(f, c); err==nil {
		t.Errorf("saving missing mask succeeded")
	}

	f.Mask=postproc.NewMask(6, 5)
	f.Mask.Bits[3]=true
	if _, err:=NewOpSave(filepath.Join(dir, "m%d.tif"), "mask").Apply(f, c); err!=nil { t.Fatal(err) }
	m, err:=volume.ReadRGBTIFF(filepath.Join(dir, "m4.tif"))
	if err!=nil { t.Fatal(err) }
	if r, _, _:=m.At(0, 3); r!=255 {
		t.Errorf("got mask pixel %d; want 255", r)
	}

	if _, err:=NewOpDeconvolve().Apply(f, c); err!=nil { t.Fatal(err) }
	if _, err:=NewOpSave(filepath.Join(dir, "h%d.tif"), "hematoxylin").Apply(f, c); err!=nil { t.Fatal(err) }
	h, err:=volume.ReadPlaneTIFF(filepath.Join(dir, "h4.tif"))
	if err!=nil { t.Fatal(err) }
	if h.Rows!=6 || h.Cols!=5 { t.Errorf("got %s; want 6x5", h) }

	if _, err:=NewOpSave(filepath.Join(dir, "h%d.jpg"), "eosin").Apply(f, c); err==nil {
		t.Errorf("saving stains as JPEG succeeded")
	}
	if _, err:=NewOpSave(filepath.Join(dir, "x.png"), "rgb").Apply(f, c); err==nil {
		t.Errorf("saving with unknown suffix succeeded")
	}
}

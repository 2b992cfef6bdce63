package twostage

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm/gstage"
)

// A Builder can build two-stage translators.
type Builder struct {
	stage1 Stage1Translator
	tlb    NestedTLB
	log    logrus.FieldLogger
}

// MakeBuilder creates a Builder for guests without stage-1 paging.
func MakeBuilder() Builder {
	return Builder{
		stage1: BareStage1{},
	}
}

// WithStage1 sets the guest stage-1 walker.
func (b Builder) WithStage1(s Stage1Translator) Builder {
	b.stage1 = s
	return b
}

// WithTLB sets where combined translations are cached.
func (b Builder) WithTLB(t NestedTLB) Builder {
	b.tlb = t
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.log = l
	return b
}

// Build creates a translator over the G-stage of one VM.
func (b Builder) Build(g *gstage.Translator) *Translator {
	if g == nil {
		panic("g-stage translator is not set")
	}

	if b.stage1 == nil {
		b.stage1 = BareStage1{}
	}

	if b.log == nil {
		b.log = logrus.StandardLogger()
	}

	return &Translator{
		name:   fmt.Sprintf("TwoStage[%d]", g.VMID()),
		stage1: b.stage1,
		gstage: g,
		tlb:    b.tlb,
		log:    b.log,
	}
}

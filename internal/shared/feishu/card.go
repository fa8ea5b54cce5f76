package feishu

import (
	"fmt"
	"strings"
)

func field(label, value string) CardField {
	return CardField{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**%s**\n%s", label, value)}}
}

func note(text string) CardElement {
	return CardElement{
		Tag:      "note",
		Elements: []CardElement{{Tag: "plain_text", Content: text}},
	}
}

// NewLowStockCard 农资库存不足提醒
func NewLowStockCard(materialName, unit, available, reserved string) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "⚠️ 农资库存不足"},
			Template: "orange",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					field("物料", materialName),
					field("可用量", available+" "+unit),
					field("已预留", reserved+" "+unit),
				},
			},
			{Tag: "hr"},
			note("请及时采购补货，避免后续农事活动无法执行"),
		},
	}
}

// NewStageAdvancedCard 作物进入新生长阶段通知
func NewStageAdvancedCard(cropName, from, to string, candidates int) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "🌱 生长阶段推进"},
			Template: "green",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					field("作物", cropName),
					field("阶段", from+" → "+to),
				},
			},
			{
				Tag:  "div",
				Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("新阶段有 **%d** 项候选活动待确认", candidates)},
			},
		},
	}
}

// NewRejectionCard 计划提交时部分物料未能预留
func NewRejectionCard(cropName string, materials []string) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "❌ 物料预留失败"},
			Template: "red",
		},
		Elements: []CardElement{
			{
				Tag:    "div",
				Fields: []CardField{field("作物", cropName), field("未预留物料", strings.Join(materials, "、"))},
			},
			{Tag: "hr"},
			note("活动已创建，物料不足部分需补货后重新安排"),
		},
	}
}

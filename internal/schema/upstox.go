package schema

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// FeedPackage is the protobuf package of the Upstox v3 market data feed.
const FeedPackage = "com.upstox.marketdatafeederv3udapi.rpc.proto"

// FeedResponseName is the top-level message every market frame decodes to.
const FeedResponseName = FeedPackage + ".FeedResponse"

const feedFileName = "MarketDataFeedV3.proto"

var (
	typeDouble = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE.Enum()
	typeInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum()
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
	typeMsg    = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
	typeEnum   = descriptorpb.FieldDescriptorProto_TYPE_ENUM.Enum()

	optional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	repeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
)

func ref(name string) *string {
	return proto.String("." + FeedPackage + "." + name)
}

func scalar(name string, number int32, typ *descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  optional,
		Type:   typ,
	}
}

func message(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Label:    optional,
		Type:     typeMsg,
		TypeName: ref(typeName),
	}
}

func enum(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := message(name, number, typeName)
	f.Type = typeEnum
	return f
}

func list(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = repeated
	return f
}

func oneof(index int32, f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.OneofIndex = proto.Int32(index)
	return f
}

func enumType(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(int32(i)),
		})
	}
	return e
}

// mapEntry declares the synthetic entry message protoc generates for a
// map<string, V> field.
func mapEntry(name string, value *descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	value.Name = proto.String("value")
	value.Number = proto.Int32(2)
	return &descriptorpb.DescriptorProto{
		Name: proto.String(name),
		Field: []*descriptorpb.FieldDescriptorProto{
			scalar("key", 1, typeString),
			value,
		},
		Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
	}
}

// upstoxFeedFile describes MarketDataFeedV3.proto as published by Upstox.
func upstoxFeedFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(feedFileName),
		Package: proto.String(FeedPackage),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enumType("Type", "initial_feed", "live_feed", "market_info"),
			enumType("RequestMode", "ltpc", "full_d5", "option_greeks", "full_d30"),
			enumType("MarketStatus", "PRE_OPEN_START", "PRE_OPEN_END", "NORMAL_OPEN", "NORMAL_CLOSE", "CLOSING_START", "CLOSING_END"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("LTPC"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("ltp", 1, typeDouble),
					scalar("ltt", 2, typeInt64),
					scalar("ltq", 3, typeInt64),
					scalar("cp", 4, typeDouble),
				},
			},
			{
				Name:  proto.String("MarketLevel"),
				Field: []*descriptorpb.FieldDescriptorProto{list(message("bidAskQuote", 1, "Quote"))},
			},
			{
				Name:  proto.String("MarketOHLC"),
				Field: []*descriptorpb.FieldDescriptorProto{list(message("ohlc", 1, "OHLC"))},
			},
			{
				Name: proto.String("Quote"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("bidQ", 1, typeInt64),
					scalar("bidP", 2, typeDouble),
					scalar("askQ", 3, typeInt64),
					scalar("askP", 4, typeDouble),
				},
			},
			{
				Name: proto.String("OptionGreeks"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("delta", 1, typeDouble),
					scalar("theta", 2, typeDouble),
					scalar("gamma", 3, typeDouble),
					scalar("vega", 4, typeDouble),
					scalar("rho", 5, typeDouble),
				},
			},
			{
				Name: proto.String("OHLC"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalar("interval", 1, typeString),
					scalar("open", 2, typeDouble),
					scalar("high", 3, typeDouble),
					scalar("low", 4, typeDouble),
					scalar("close", 5, typeDouble),
					scalar("vol", 6, typeInt64),
					scalar("ts", 7, typeInt64),
				},
			},
			{
				Name: proto.String("MarketFullFeed"),
				Field: []*descriptorpb.FieldDescriptorProto{
					message("ltpc", 1, "LTPC"),
					message("marketLevel", 2, "MarketLevel"),
					message("optionGreeks", 3, "OptionGreeks"),
					message("marketOHLC", 4, "MarketOHLC"),
					scalar("atp", 5, typeDouble),
					scalar("vtt", 6, typeInt64),
					scalar("oi", 7, typeDouble),
					scalar("iv", 8, typeDouble),
					scalar("tbq", 9, typeDouble),
					scalar("tsq", 10, typeDouble),
				},
			},
			{
				Name: proto.String("IndexFullFeed"),
				Field: []*descriptorpb.FieldDescriptorProto{
					message("ltpc", 1, "LTPC"),
					message("marketOHLC", 2, "MarketOHLC"),
				},
			},
			{
				Name: proto.String("FullFeed"),
				Field: []*descriptorpb.FieldDescriptorProto{
					oneof(0, message("marketFF", 1, "MarketFullFeed")),
					oneof(0, message("indexFF", 2, "IndexFullFeed")),
				},
				OneofDecl: []*descriptorpb.OneofDescriptorProto{{Name: proto.String("FullFeedUnion")}},
			},
			{
				Name: proto.String("FirstLevelWithGreeks"),
				Field: []*descriptorpb.FieldDescriptorProto{
					message("ltpc", 1, "LTPC"),
					message("firstDepth", 2, "Quote"),
					message("optionGreeks", 3, "OptionGreeks"),
					scalar("vtt", 4, typeInt64),
					scalar("oi", 5, typeDouble),
					scalar("iv", 6, typeDouble),
				},
			},
			{
				Name: proto.String("Feed"),
				Field: []*descriptorpb.FieldDescriptorProto{
					oneof(0, message("ltpc", 1, "LTPC")),
					oneof(0, message("fullFeed", 2, "FullFeed")),
					oneof(0, message("firstLevelWithGreeks", 3, "FirstLevelWithGreeks")),
					enum("requestMode", 4, "RequestMode"),
				},
				OneofDecl: []*descriptorpb.OneofDescriptorProto{{Name: proto.String("FeedUnion")}},
			},
			{
				Name: proto.String("MarketInfo"),
				Field: []*descriptorpb.FieldDescriptorProto{
					list(message("segmentStatus", 1, "MarketInfo.SegmentStatusEntry")),
				},
				NestedType: []*descriptorpb.DescriptorProto{
					mapEntry("SegmentStatusEntry", enum("value", 2, "MarketStatus")),
				},
			},
			{
				Name: proto.String("FeedResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					enum("type", 1, "Type"),
					list(message("feeds", 2, "FeedResponse.FeedsEntry")),
					scalar("currentTs", 3, typeInt64),
					message("marketInfo", 4, "MarketInfo"),
				},
				NestedType: []*descriptorpb.DescriptorProto{
					mapEntry("FeedsEntry", message("value", 2, "Feed")),
				},
			},
		},
	}
}
